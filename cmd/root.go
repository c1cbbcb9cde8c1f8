// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"

	"github.com/migue/arkive/config"
	"github.com/migue/arkive/internal/archive/catalog"
	"github.com/migue/arkive/internal/logger"
	"github.com/migue/arkive/server"
	"github.com/spf13/cobra"
)

func init() {
	flags := rootCmd.PersistentFlags()

	c := config.ArchiveConfig{}
	_type := reflect.TypeOf(c)
	for i := 0; i < _type.NumField(); i++ {
		field := _type.Field(i)
		yamlTag := field.Tag.Get("mapstructure")
		descriptionTag := field.Tag.Get("description")
		defaultTag := field.Tag.Get("default")

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(yamlTag, defaultTag, descriptionTag)
		case reflect.Int, reflect.Int64:
			val, _ := strconv.ParseInt(defaultTag, 10, 64)
			if field.Type.Kind() == reflect.Int64 {
				flags.Int64(yamlTag, val, descriptionTag)
			} else {
				flags.Int(yamlTag, int(val), descriptionTag)
			}
		case reflect.Bool:
			val, _ := strconv.ParseBool(defaultTag)
			flags.Bool(yamlTag, val, descriptionTag)
		}
	}

	rootCmd.AddCommand(inspectCmd)
}

var rootCmd = &cobra.Command{
	Use:   "arkive",
	Short: "arkive - a recording and replay engine for segmented stream archives",
	Run: func(cmd *cobra.Command, args []string) {
		config.Load(cmd.Flags())
		slog.SetDefault(logger.New())
		server.Start()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <recordingId>",
	Short: "print the catalog entry for a recording",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config.Load(cmd.Flags())
		slog.SetDefault(logger.New())

		recordingId, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid recordingId %q: %v\n", args[0], err)
			os.Exit(1)
		}

		cat, err := catalog.Open(config.Config.ArchiveDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not open catalog: %v\n", err)
			os.Exit(1)
		}
		entry, ok := cat.Lookup(recordingId)
		if !ok {
			fmt.Fprintf(os.Stderr, "recording %d not found\n", recordingId)
			os.Exit(1)
		}
		fmt.Printf("recordingId:       %d\n", entry.RecordingId)
		fmt.Printf("source:            %s\n", entry.Source)
		fmt.Printf("channel:           %s\n", entry.Channel)
		fmt.Printf("streamId:          %d\n", entry.StreamId)
		fmt.Printf("sessionId:         %d\n", entry.SessionId)
		fmt.Printf("termBufferLength:  %d\n", entry.TermBufferLength)
		fmt.Printf("segmentFileLength: %d\n", entry.SegmentFileLength)
		fmt.Printf("initialTermId:     %d\n", entry.InitialTermId)
		fmt.Printf("startTime:         %d\n", entry.StartTime)
		fmt.Printf("endTime:           %d\n", entry.EndTime)
		fmt.Printf("initialPosition:   %d\n", entry.InitialPosition)
		fmt.Printf("lastPosition:      %d\n", entry.LastPosition)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
