package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/hardware/bms/rs485"
	"github.com/temoto/bmsbox/hardware/uart"
	"github.com/temoto/bmsbox/helpers/cli"
	"github.com/temoto/bmsbox/log2"
)

const usage = `syntax: commands separated by whitespace
(main)
- @XX...   transmit raw bytes from hex XX...
- qNN      transmit request for BMS command NN (hex), response is decoded
- poll     transmit full request cycle
- show     print decoded battery state
- stat     print link counters
- sN       pause N milliseconds

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
- loop=N   repeat N times all commands on this line
`

var log = log2.NewStderr(log2.LDebug)

type console struct {
	log     *log2.Log
	port    io.Writer
	codec   rs485.Codec
	decoder *rs485.Decoder
}

type action func(*console) error

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	devicePath := cmdline.String("device", "/dev/ttyS1", "")
	baud := cmdline.Int("baud", uart.DefaultBaud, "")
	deChip := cmdline.String("de-chip", "", "GPIO chip for RS485 driver enable, empty to disable")
	deLine := cmdline.Uint("de-line", 0, "")
	checksumAddress := cmdline.Bool("checksum-address", false, "include preamble into checksum")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	port, err := uart.Open(log, uart.Config{
		Path:        *devicePath,
		Baud:        *baud,
		ReadTimeout: uart.DefaultReadTimeout,
		DEChip:      *deChip,
		DELine:      uint32(*deLine),
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	codec := rs485.Codec{ChecksumAddress: *checksumAddress}
	c := &console{
		log:     log,
		port:    port,
		codec:   codec,
		decoder: rs485.NewDecoder(log, bms.NewStore(nil), codec, rs485.ResyncFlush),
	}
	a := alive.NewAlive()
	link := &rs485.Link{
		Log:      log,
		Decoder:  c.decoder,
		Open:     func() (io.ReadWriteCloser, error) { return port, nil },
		ReadFail: rs485.ReadFailStop,
	}
	go func() {
		if err := link.Run(a); err != nil {
			log.Error(err)
		}
	}()

	cli.MainLoop("bms-rs485-cli", c.newExecutor(), newCompleter(), func() {
		a.Stop()
		a.Wait()
	})
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "@XX", Description: "transmit raw bytes"},
		{Text: "qNN", Description: "request BMS command"},
		{Text: "poll", Description: "request all known commands"},
		{Text: "show", Description: "print battery state"},
		{Text: "stat", Description: "print link counters"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "loop=N", Description: "repeat line N times"},
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

func (c *console) newExecutor() func(string) {
	return func(line string) {
		actions, loopn, err := parseLine(line)
		if err != nil {
			c.log.Error(errors.ErrorStack(err))
			return
		}
		for i := uint(0); i < loopn; i++ {
			for _, a := range actions {
				if err := a(c); err != nil {
					c.log.Error(errors.ErrorStack(err))
					return
				}
			}
		}
	}
}

func parseLine(line string) ([]action, uint, error) {
	words := strings.Fields(line)
	loopn := uint(1)
	loopSeen := false
	actions := make([]action, 0, len(words))
	for _, word := range words {
		switch {
		case word == "help":
			return []action{doUsage}, 1, nil
		case strings.HasPrefix(word, "loop="):
			if loopSeen {
				return nil, 0, errors.Errorf("multiple loop commands, expected at most one")
			}
			i, err := strconv.ParseUint(word[5:], 10, 32)
			if err != nil {
				return nil, 0, errors.Annotatef(err, "word=%s", word)
			}
			loopn, loopSeen = uint(i), true
		default:
			a, err := parseCommand(word)
			if err != nil {
				return nil, 0, err
			}
			actions = append(actions, a)
		}
	}
	return actions, loopn, nil
}

func parseCommand(word string) (action, error) {
	switch {
	case word == "log=yes":
		return func(c *console) error { c.log.SetLevel(log2.LDebug); return nil }, nil
	case word == "log=no":
		return func(c *console) error { c.log.SetLevel(log2.LError); return nil }, nil
	case word == "poll":
		return doPoll, nil
	case word == "show":
		return doShow, nil
	case word == "stat":
		return doStat, nil
	case word[0] == 's':
		i, err := strconv.ParseUint(word[1:], 10, 32)
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func(*console) error { time.Sleep(time.Duration(i) * time.Millisecond); return nil }, nil
	case word[0] == 'q':
		b, err := hex.DecodeString(word[1:])
		if err != nil || len(b) != 1 {
			return nil, errors.NotValidf("word=%s command", word)
		}
		return func(c *console) error { return c.tx(c.codec.EncodeCommand(b[0])) }, nil
	case word[0] == '@':
		b, err := hex.DecodeString(word[1:])
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func(c *console) error { return c.tx(b) }, nil
	default:
		return nil, errors.Errorf("error: invalid command: '%s'", word)
	}
}

func (c *console) tx(b []byte) error {
	c.log.Infof("> %x", b)
	_, err := c.port.Write(b)
	return errors.Annotate(err, "rs485 write")
}

func doUsage(*console) error {
	log.Info(usage)
	return nil
}

func doPoll(c *console) error {
	for _, cmd := range rs485.PollCycle {
		if err := c.tx(c.codec.EncodeCommand(cmd)); err != nil {
			return err
		}
		time.Sleep(rs485.DefaultRequestInterval)
	}
	return nil
}

func doShow(c *console) error {
	data := c.decoder.ReportData()
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%v\n", k, data[k])
	}
	fmt.Printf("cells=%v\n", c.decoder.CellVoltages())
	fmt.Printf("fresh=%s fault_free=%t\n", c.decoder.FreshAt().Format(time.RFC3339), c.decoder.FaultFree())
	return nil
}

func doStat(c *console) error {
	fmt.Println(c.decoder.Stat().String())
	return nil
}
