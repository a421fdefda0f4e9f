package main

import (
	"encoding/base64"
	"fmt"
)

type fileCommand struct {
	Args struct {
		ChatID    string `positional-arg-name:"chat-id" required:"true"`
		MessageID string `positional-arg-name:"message-id" required:"true"`
		Path      string `positional-arg-name:"path" required:"true"`
	} `positional-args:"true" required:"true"`
	Decrypt bool   `short:"d" long:"decrypt" description:"Decrypt instead of encrypting"`
	Nonce   string `long:"nonce" description:"Base64 nonce printed by the encrypt step (required with --decrypt)"`
}

func (cmd *fileCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.Decrypt {
		nonce, err := base64.StdEncoding.DecodeString(cmd.Nonce)
		if err != nil || len(nonce) == 0 {
			return fmt.Errorf("--decrypt needs a valid --nonce")
		}
		dst := c.DecryptFile(cmd.Args.ChatID, cmd.Args.MessageID, cmd.Args.Path, nonce)
		if dst == "" {
			return fmt.Errorf("could not decrypt %s", cmd.Args.Path)
		}
		fmt.Println(dst)
		return nil
	}

	dst, nonce := c.EncryptFile(cmd.Args.ChatID, cmd.Args.MessageID, cmd.Args.Path)
	if dst == "" {
		return fmt.Errorf("could not encrypt %s", cmd.Args.Path)
	}
	fmt.Printf("%s\nnonce: %s\n", dst, base64.StdEncoding.EncodeToString(nonce))
	return nil
}
