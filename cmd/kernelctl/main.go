// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// kernelctl is a command-line tool for inspecting a running kerneld
// instance's pool, session, and event state.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	version    = "0.1.0"
	apiURL     = "http://localhost:8700"
	jsonOutput = false
)

func main() {
	if env := os.Getenv("NODEBOOKS_KERNEL_API"); env != "" {
		apiURL = strings.TrimSuffix(env, "/")
	}

	var filteredArgs []string
	for _, arg := range os.Args[1:] {
		if arg == "-json" {
			jsonOutput = true
		} else {
			filteredArgs = append(filteredArgs, arg)
		}
	}

	if len(filteredArgs) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd := filteredArgs[0]
	args := filteredArgs[1:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(args)
	case "events":
		err = cmdEvents(args)
	case "version", "-v", "--version":
		fmt.Printf("kernelctl %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kernelctl - inspect a running kerneld instance

Usage:
  kernelctl [-json] <command> [arguments]

Environment:
  NODEBOOKS_KERNEL_API   Base URL of kerneld's debug surface (default: http://localhost:8700)

Commands:
  status              Show pool and session counts
  events [-n N]       Show recent operational events (default: 50)
  version             Show kernelctl version`)
}

type poolStatus struct {
	Size         int `json:"Size" yaml:"size"`
	Live         int `json:"Live" yaml:"live"`
	Reservable   int `json:"Reservable" yaml:"reservable"`
	InFlightJobs int `json:"InFlightJobs" yaml:"in_flight_jobs"`
}

type sessionStatus struct {
	ID          string `json:"id" yaml:"id"`
	NotebookID  string `json:"notebook_id" yaml:"notebook_id"`
	Status      string `json:"status" yaml:"status"`
	Subscribers int    `json:"subscribers" yaml:"subscribers"`
}

type debugStatus struct {
	Pool     poolStatus      `json:"pool" yaml:"pool"`
	Sessions []sessionStatus `json:"sessions" yaml:"sessions"`
}

func cmdStatus(args []string) error {
	var status debugStatus
	if err := getJSON("/debug/status", &status); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(status)
	}

	out, err := yaml.Marshal(status)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

type debugEvent struct {
	ID         string                 `json:"id" yaml:"id"`
	Type       string                 `json:"type" yaml:"type"`
	Timestamp  time.Time              `json:"timestamp" yaml:"timestamp"`
	NotebookID string                 `json:"notebook_id" yaml:"notebook_id"`
	Payload    map[string]interface{} `json:"payload" yaml:"payload,omitempty"`
}

func cmdEvents(args []string) error {
	limit := 50
	for i := 0; i < len(args); i++ {
		if args[i] == "-n" && i+1 < len(args) {
			if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
				limit = n
			}
			i++
		}
	}

	var all []debugEvent
	if err := getJSON("/debug/events", &all); err != nil {
		return err
	}
	if limit < len(all) {
		all = all[len(all)-limit:]
	}

	if jsonOutput {
		return printJSON(all)
	}

	out, err := yaml.Marshal(all)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func getJSON(path string, out interface{}) error {
	resp, err := http.Get(apiURL + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
