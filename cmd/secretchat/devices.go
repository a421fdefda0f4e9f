package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type devicesCommand struct {
	Sync bool `long:"sync" description:"Reconcile local sessions with the registered device list"`
}

func (cmd *devicesCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.Sync {
		if !c.SyncRegisteredDevices(ctx) {
			return fmt.Errorf("device sync failed")
		}
		fmt.Println("Synced registered devices")
		return nil
	}

	devices := c.RegisteredDevices(ctx)
	if len(devices) == 0 {
		fmt.Println("No registered devices")
		return nil
	}
	for _, d := range devices {
		marker := " "
		if uint32(d.DeviceID) == c.DeviceID() {
			marker = "*"
		}
		fmt.Printf("%s device %-12d registration %d\n", marker, uint32(d.DeviceID), uint32(d.RegistrationID))
	}
	return nil
}

type deregisterCommand struct {
	All         bool `long:"all" description:"Deregister every device of this account"`
	KeepCurrent bool `long:"keep-current" description:"With --all, leave this device registered"`
}

func (cmd *deregisterCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.All {
		if !c.DeregisterAllDevices(ctx, cmd.KeepCurrent) {
			return fmt.Errorf("deregistration failed")
		}
		fmt.Println("Deregistered devices")
		return nil
	}

	if !c.DeregisterCurrentDevice(ctx) {
		return fmt.Errorf("deregistration failed")
	}
	fmt.Printf("Deregistered device %d\n", c.DeviceID())
	return nil
}
