// Command cssdebug prints the computed position and float of the nodes of a
// live page that match a selector, with the sanitizer verdict for each.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"pagesaver/capture"
)

func main() {
	selector := flag.String("sel", "[class*=float], [class*=fixed], [class*=share]", "selector of the nodes to inspect")
	rules := flag.String("rules", "", "removal rules YAML file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	target := "https://example.com/"
	if flag.NArg() > 0 {
		target = flag.Arg(0)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	opts := capture.Options{Logger: logger}
	if *rules != "" {
		r, err := capture.LoadRules(*rules)
		if err != nil {
			log.Fatal(err)
		}
		opts.Rules = r
	}

	target, err := capture.NormalizeURL(target)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("fetch %s", target)
	found, err := capture.Inspect(context.Background(), target, *selector, opts)
	if err != nil {
		log.Fatal(err)
	}
	for _, in := range found {
		fmt.Fprintln(os.Stdout, in)
	}
}
