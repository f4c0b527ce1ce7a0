package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// CLI exit codes. Recognition that simply finds nothing is a success
// path and gets its own code, not an error.
const (
	exitMatch         = 0
	exitNoMatch       = 1
	exitUsage         = 2
	exitCorruptInput  = 3
	exitDatabaseError = 4
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "find":
		findCmd := flag.NewFlagSet("find", flag.ExitOnError)
		topk := findCmd.Int("topk", 0, "number of candidates to return")
		minSupport := findCmd.Int("min-support", 0, "histogram votes required per candidate")
		deadline := findCmd.Duration("deadline", 0, "per-query wall-clock budget (0 = none)")
		findCmd.Parse(os.Args[2:])
		if findCmd.NArg() < 1 {
			fmt.Println("usage: abracadabra find [-topk N] [-min-support N] [-deadline 2s] <audio_file>")
			os.Exit(exitUsage)
		}
		os.Exit(find(findCmd.Arg(0), *topk, *minSupport, *deadline))

	case "save":
		saveCmd := flag.NewFlagSet("save", flag.ExitOnError)
		manifest := saveCmd.String("manifest", "", "JSON manifest of tracks to index")
		saveCmd.Parse(os.Args[2:])
		if *manifest == "" && saveCmd.NArg() < 1 {
			fmt.Println("usage: abracadabra save [-manifest tracks.json] [<file_or_dir>]")
			os.Exit(exitUsage)
		}
		os.Exit(save(saveCmd.Arg(0), *manifest))

	case "erase":
		os.Exit(erase())

	case "stats":
		os.Exit(stats())

	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		port := serveCmd.String("p", "5000", "port to listen on")
		serveCmd.Parse(os.Args[2:])
		os.Exit(serve(*port))

	default:
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Println("usage: abracadabra <command>")
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  find  [flags] <audio_file>          match a snippet against the database")
	fmt.Println("  save  [-manifest m.json] <path>     index audio file(s) into the database")
	fmt.Println("  erase                               clear all tracks and fingerprints")
	fmt.Println("  stats                               print database statistics")
	fmt.Println("  serve [-p 5000]                     start the web server")
}
