package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// runCanonCmd prints the canonical form of each path, or the rejection
// kind. It exits 1 if any path is rejected.
func runCanonCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("canon", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var facets string
	cmd.StringVar(&facets, "facets", "artifacts,streams", "comma-separated permitted facets")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: at least one path is required")
		return 2
	}
	c, err := worldpath.New(strings.Split(facets, ",")...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	code := 0
	for _, p := range cmd.Args() {
		out, err := c.Canonicalize(p)
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "%s\t%s\n", p, worldpath.KindOf(err))
			code = 1
			continue
		}
		_, _ = fmt.Fprintf(stdout, "%s\t%s\n", p, out)
	}
	return code
}
