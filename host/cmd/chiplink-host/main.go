package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"chiplink/config"
	"chiplink/host/device"
	"chiplink/host/serial"
	"chiplink/logging"
)

var (
	configPath = flag.String("config", "chiplink.yaml", "Configuration file")
	devicePath = flag.String("device", "", "Override bus.path from the configuration (a path, or usb:VID:PID for a bridge)")
	listPorts  = flag.Bool("list-ports", false, "List serial ports and exit")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	jsonLog    = flag.Bool("json-log", false, "Log as JSON")
)

func main() {
	flag.Parse()

	if *jsonLog {
		logging.SetFormat(logging.FormatJSON)
	}
	if *verbose {
		logging.SetLevel(slog.LevelDebug)
	}

	if *listPorts {
		if err := printPorts(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *devicePath != "" {
		cfg.Bus.Path = *devicePath
	}

	fmt.Printf("Opening %s bus on %s...\n", cfg.Bus.Kind, cfg.Bus.Path)
	dev, err := device.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()
	fmt.Printf("Transport running (app channel %d, log channel %d)\n",
		cfg.Channels.AppID, cfg.Channels.LogID)

	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	r := newREPL(dev, os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := r.exec(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func printPorts() error {
	ports, err := serial.List()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
