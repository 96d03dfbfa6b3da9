// mockbroker runs the in-process fake broker as a standalone service for
// local development: it announces the files of a directory as resources and
// serves their bytes over the transfer endpoint.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/clearline/retriever/common/brokertest"
)

func main() {
	app := &cli.App{
		Name:  "mockbroker",
		Usage: "serve a directory of files as a fake resource broker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Required: true,
				Usage:    "directory whose files become resources",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mockbroker: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	dir := c.String("dir")

	broker := brokertest.New()
	count := 0

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		broker.AddResource(brokertest.Resource{
			ID:       filepath.ToSlash(rel),
			Data:     data,
			Filename: info.Name(),
		})
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	broker.Start()
	defer broker.Close()

	fmt.Printf("mockbroker serving %d resources\n", count)
	fmt.Printf("  registration: %s\n", broker.RegistrationURL())
	fmt.Printf("  stream:       %s\n", broker.StreamURL())
	fmt.Printf("  token:        %s\n", broker.Token())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	return nil
}
