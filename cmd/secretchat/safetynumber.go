package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	qrterminal "github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
)

type safetyNumberCommand struct {
	Args struct {
		User string `positional-arg-name:"user" required:"true" description:"Remote user id"`
	} `positional-args:"true" required:"true"`
	QR     bool `long:"qr" description:"Render the scannable code as a QR code"`
	Verify bool `long:"verify" description:"Read a scanned code from stdin and verify it"`
}

// readLineRaw reads a line using raw terminal mode, which handles
// large pastes better. It echoes characters as they arrive.
func readLineRaw() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return "", fmt.Errorf("make raw: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	r := bufio.NewReaderSize(os.Stdin, 64*1024)
	var b []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == '\n' || c == '\r' {
			break
		}
		os.Stdout.Write([]byte{c})
		b = append(b, c)
	}
	return string(b), nil
}

func (cmd *safetyNumberCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	sn := c.SafetyNumber(cmd.Args.User)
	if sn == nil {
		return fmt.Errorf("no session with %s, run request-bundle first", cmd.Args.User)
	}

	if cmd.Verify {
		fmt.Print("Paste the code scanned from the other device: ")
		code, err := readLineRaw()
		fmt.Println()
		if err != nil {
			return err
		}
		if !sn.Verify(strings.TrimSpace(code)) {
			return fmt.Errorf("safety number mismatch with %s", cmd.Args.User)
		}
		fmt.Printf("Safety number verified for %s\n", cmd.Args.User)
		return nil
	}

	fmt.Printf("Safety number with %s:\n\n%s\n\n", cmd.Args.User, sn.DisplayText())

	if cmd.QR {
		qrterminal.GenerateWithConfig(sn.ScannableCode(), qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
		})
	} else {
		fmt.Printf("Scannable code:\n%s\n", sn.ScannableCode())
	}
	return nil
}
