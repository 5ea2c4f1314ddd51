// Package cli runs interactive hardware consoles.
package cli

import (
	"bufio"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop reads lines from terminal with completion, or from piped stdin for scripts.
// onExit runs once on signal or end of input.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest, onExit func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		<-signalCh
		onExit()
		os.Exit(1)
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
	} else {
		ScriptLoop(os.Stdin, exec)
	}
	onExit()
}

func ScriptLoop(r io.Reader, exec func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(line)
	}
	if err := scanner.Err(); err != nil {
		log.Fatal(err)
	}
}
