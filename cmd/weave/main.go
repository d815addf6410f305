package main

import (
	"io"
	"log"
	"strings"

	"github.com/fatih/color"

	"github.com/PatchLens/il-weave/weave"
	"github.com/PatchLens/il-weave/weave/cmd"
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// colorWriter highlights error and warning log lines.
type colorWriter struct {
	out io.Writer
}

func (w colorWriter) Write(p []byte) (int, error) {
	line := string(p)
	if strings.Contains(line, weave.ErrorLogPrefix) {
		line = red(line)
	} else if strings.Contains(line, "WARN:") {
		line = yellow(line)
	}
	if _, err := io.WriteString(w.out, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

func main() {
	log.SetFlags(log.LstdFlags)
	log.SetOutput(colorWriter{out: color.Error})

	config, err := cmd.ParseFlags(nil) // No custom flags for standard weave
	if err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}
	config.Logger = log.Default()

	if err := weave.NewRewriteEngine(config).Run(); err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}
}
