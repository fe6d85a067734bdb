/*
ltv-selftest opens a file with the ltviewer engine, builds its line
index, and runs a handful of count/fetch/read checks against it,
reporting pass/fail.
*/
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/ltviewer/ltviewer"
	"github.com/ltviewer/ltviewer/search"

	flags "github.com/jessevdk/go-flags"
)

// Options
var opts struct {
	Verbose bool   `short:"v" long:"verbose" description:"display verbose debug output"`
	Pattern string `short:"p" long:"pattern" description:"literal pattern to count/fetch" default:"the"`
	Count   int    `short:"c" long:"count" description:"number of random line reads to check" default:"100"`
	Fatal   bool   `short:"f" long:"fatal" description:"die on any errors"`
	Args    struct {
		Filename string
	} `positional-args:"yes" required:"yes"`
}

// Disable flags.PrintErrors for more control
var parser = flags.NewParser(&opts, flags.Default&^flags.PrintErrors)

func usage() {
	parser.WriteHelp(os.Stderr)
	os.Exit(2)
}

func vprintf(format string, args ...interface{}) {
	if opts.Verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func main() {
	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type != flags.ErrHelp {
			fmt.Fprintf(os.Stderr, "%s\n\n", err)
		}
		usage()
	}

	log.SetFlags(0)

	e, err := ltviewer.Open(opts.Args.Filename, ltviewer.Options{IndexMode: ltviewer.IndexCreate})
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	vprintf("+ opened %q, encoding %s, %d lines (estimated or exact)\n",
		opts.Args.Filename, e.Encoding(), e.TotalLines())

	ok, fail := checkRandomLines(e)
	ok2, fail2 := checkCountMatchesFetch(e)
	ok += ok2
	fail += fail2

	total := ok + fail
	if fail > 0 {
		fmt.Printf("%d / %d checks failed, %d / %d checks ok\n", fail, total, ok, total)
		os.Exit(1)
	}
	fmt.Printf("%d / %d checks ok\n", ok, total)
}

// checkRandomLines reads opts.Count random lines and verifies ReadLine
// agrees with ReadLines for the same span.
func checkRandomLines(e *ltviewer.Engine) (ok, fail int) {
	total := e.TotalLines()
	if total == 0 {
		return 0, 0
	}

	for i := 0; i < opts.Count; i++ {
		n := uint64(rand.Int63n(int64(total)))
		line, found, err := e.ReadLine(n)
		if err != nil {
			reportFailure(&fail, "ReadLine(%d): %v", n, err)
			continue
		}
		if !found {
			reportFailure(&fail, "ReadLine(%d): not found, expected a line under TotalLines=%d", n, total)
			continue
		}

		lines, err := e.ReadLines(n, 1)
		if err != nil || len(lines) != 1 || lines[0] != line {
			reportFailure(&fail, "ReadLines(%d,1) disagrees with ReadLine(%d): %v / %q vs %q", n, n, err, lines, line)
			continue
		}
		vprintf("+ [%d] line %d: %q\n", i, n, line)
		ok++
	}
	return ok, fail
}

// checkCountMatchesFetch verifies StartCount's total agrees with the
// number of matches StartFetch reports, per spec.md §8 property 3.
func checkCountMatchesFetch(e *ltviewer.Engine) (ok, fail int) {
	q := search.Query{Pattern: opts.Pattern, CaseSensitive: false}

	total, err := e.StartCount(q, nil, nil)
	if err != nil {
		reportFailure(&fail, "StartCount(%q): %v", opts.Pattern, err)
		return ok, fail
	}

	matches, err := e.StartFetch(q, 0, 0, nil)
	if err != nil {
		reportFailure(&fail, "StartFetch(%q): %v", opts.Pattern, err)
		return ok, fail
	}

	if uint64(len(matches)) != total {
		reportFailure(&fail, "count_matches=%d but fetch_matches returned %d", total, len(matches))
		return ok, fail
	}

	var prev int64 = -1
	for _, m := range matches {
		if m.ByteOffset <= prev {
			reportFailure(&fail, "matches not strictly increasing: %d after %d", m.ByteOffset, prev)
			return ok, fail
		}
		prev = m.ByteOffset
	}

	vprintf("+ pattern %q: %d matches, offsets strictly increasing\n", opts.Pattern, total)
	ok++
	return ok, fail
}

func reportFailure(fail *int, format string, args ...interface{}) {
	fmt.Printf("Error: "+format+"\n", args...)
	if opts.Fatal {
		os.Exit(2)
	}
	*fail++
}
