package main

import (
	"fmt"
	"strings"
)

type messageCommand struct {
	Args struct {
		ChatID    string   `positional-arg-name:"chat-id" required:"true"`
		MessageID string   `positional-arg-name:"message-id" required:"true"`
		Text      []string `positional-arg-name:"text" description:"Message text, or an envelope with --decrypt"`
	} `positional-args:"true" required:"true"`
	Decrypt bool `short:"d" long:"decrypt" description:"Decrypt an envelope instead of encrypting"`
}

func (cmd *messageCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	text := strings.Join(cmd.Args.Text, " ")
	if text == "" {
		return fmt.Errorf("missing message text")
	}

	if cmd.Decrypt {
		plain := c.DecryptMessage(cmd.Args.ChatID, cmd.Args.MessageID, text)
		if plain == nil {
			return fmt.Errorf("could not decrypt message %s/%s", cmd.Args.ChatID, cmd.Args.MessageID)
		}
		fmt.Println(*plain)
		return nil
	}

	envelope := c.EncryptMessage(cmd.Args.ChatID, cmd.Args.MessageID, text)
	if envelope == nil {
		return fmt.Errorf("could not encrypt message %s/%s", cmd.Args.ChatID, cmd.Args.MessageID)
	}
	fmt.Println(*envelope)
	return nil
}
