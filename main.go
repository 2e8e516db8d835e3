package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line options
type AppOptions struct {
	ConfigFile string
	DataDir    string
	ScoreCache string
	Score      bool
	Nearest    string
	K          int
	Dump       bool
	Refine     bool
	Samples    int
	Metric     string
	Workers    int
	MqttMode   bool
	HttpMode   bool
	HttpPort   int
}

// Runner executes the selected mode
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunScore()
	RunNearest(query string)
	RunDump()
	RunRefine()
	RunService()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, r Runner) error {
	fs := flag.NewFlagSet("fragalign", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory that relative cloud paths and the config resolve against")
	fs.StringVar(&opts.ScoreCache, "score-cache", ".score-cache.json", "Path to the last-score cache file")
	fs.BoolVar(&opts.Score, "score", false, "Score the configured candidate against the reference and exit")
	fs.StringVar(&opts.Nearest, "nearest", "", "Query the reference cloud for neighbours of x,y,z and exit")
	fs.IntVar(&opts.K, "k", 1, "Number of neighbours for --nearest")
	fs.BoolVar(&opts.Dump, "dump", false, "Print the reference tree shape and exit")
	fs.BoolVar(&opts.Refine, "refine", false, "Refine the candidate pose with ICP and print the result")
	fs.IntVar(&opts.Samples, "samples", 0, "Override scoring.sampleCount")
	fs.StringVar(&opts.Metric, "metric", "", "Override scoring.metric (rms or legacy)")
	fs.IntVar(&opts.Workers, "workers", 0, "Override scoring.workers")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for live pose scoring")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for scoring endpoints")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "fragalign version: %s\n", Version)
	r.ApplyOptions(opts)

	switch {
	case opts.Score:
		r.RunScore()
	case opts.Nearest != "":
		r.RunNearest(opts.Nearest)
	case opts.Dump:
		r.RunDump()
	case opts.Refine:
		r.RunRefine()
	case opts.MqttMode || opts.HttpMode:
		r.RunService()
	default:
		fmt.Fprintln(out, "fragalign service starting...")
		fmt.Fprintln(out, "Use --score to score the configured clouds")
		fmt.Fprintln(out, "Use --nearest=x,y,z --k=N to query the reference cloud")
		fmt.Fprintln(out, "Use --dump to print the reference tree")
		fmt.Fprintln(out, "Use --refine to fit the candidate pose with ICP")
		fmt.Fprintln(out, "Use --mqtt to score live pose updates")
		fmt.Fprintln(out, "Use --http to serve scoring endpoints")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - clouds, transforms, scoring and MQTT settings")
		fmt.Fprintln(out, "  .score-cache.json - last computed score (cached)")
	}
	return nil
}
