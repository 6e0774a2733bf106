// Command ptreectl is a small operator tool for inspecting and
// administering a ptree engine directory, following the teacher's
// cmd/sqltools subcommand-dispatch style (flag.NewFlagSet per verb,
// switched on os.Args[1]) rather than reaching for a CLI framework the
// examples never use for this kind of tool.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/brineholt/ptree/engine"
)

func main() {
	createCmd := flag.NewFlagSet("create", flag.ExitOnError)
	createDir := createCmd.String("dir", ".", "engine directory")
	createVolume := createCmd.String("volume", "", "volume name to create")

	headerCmd := flag.NewFlagSet("header", flag.ExitOnError)
	headerDir := headerCmd.String("dir", ".", "engine directory")
	headerVolume := headerCmd.String("volume", "", "volume name")

	treesCmd := flag.NewFlagSet("trees", flag.ExitOnError)
	treesDir := treesCmd.String("dir", ".", "engine directory")
	treesVolume := treesCmd.String("volume", "", "volume name")

	accCmd := flag.NewFlagSet("accumulator", flag.ExitOnError)
	accDir := accCmd.String("dir", ".", "engine directory")
	accVolume := accCmd.String("volume", "", "volume name")
	accTree := accCmd.String("tree", "", "tree name")
	accIndex := accCmd.Int("index", 0, "accumulator slot index")

	dropCmd := flag.NewFlagSet("droptree", flag.ExitOnError)
	dropDir := dropCmd.String("dir", ".", "engine directory")
	dropVolume := dropCmd.String("volume", "", "volume name")
	dropTree := dropCmd.String("tree", "", "tree name to drop")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create":
		createCmd.Parse(os.Args[2:])
		if *createVolume == "" {
			fmt.Println("Usage: ptreectl create -dir=<dir> -volume=<name>")
			os.Exit(1)
		}
		runCreate(*createDir, *createVolume)

	case "header":
		headerCmd.Parse(os.Args[2:])
		if *headerVolume == "" {
			fmt.Println("Usage: ptreectl header -dir=<dir> -volume=<name>")
			os.Exit(1)
		}
		runHeader(*headerDir, *headerVolume)

	case "trees":
		treesCmd.Parse(os.Args[2:])
		if *treesVolume == "" {
			fmt.Println("Usage: ptreectl trees -dir=<dir> -volume=<name>")
			os.Exit(1)
		}
		runTrees(*treesDir, *treesVolume)

	case "accumulator":
		accCmd.Parse(os.Args[2:])
		if *accVolume == "" || *accTree == "" {
			fmt.Println("Usage: ptreectl accumulator -dir=<dir> -volume=<name> -tree=<name> -index=<n>")
			os.Exit(1)
		}
		runAccumulator(*accDir, *accVolume, *accTree, *accIndex)

	case "droptree":
		dropCmd.Parse(os.Args[2:])
		if *dropVolume == "" || *dropTree == "" {
			fmt.Println("Usage: ptreectl droptree -dir=<dir> -volume=<name> -tree=<name>")
			os.Exit(1)
		}
		runDropTree(*dropDir, *dropVolume, *dropTree)

	case "-h", "-help", "--help", "help":
		printUsage()

	default:
		fmt.Printf("unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ptreectl - inspect and administer a ptree engine directory

Commands:
  create -dir=<dir> -volume=<name>                      Create a new volume
  header -dir=<dir> -volume=<name>                      Dump a volume's header
  trees -dir=<dir> -volume=<name>                        List a volume's trees
  accumulator -dir=<dir> -volume=<name> -tree=<t> -index=<n>
                                                          Show an accumulator's checkpointed value
  droptree -dir=<dir> -volume=<name> -tree=<t>          Drop a tree and reclaim its pages

Examples:
  ptreectl create -dir=/var/lib/ptree -volume=orders
  ptreectl header -dir=/var/lib/ptree -volume=orders
  ptreectl trees -dir=/var/lib/ptree -volume=orders
  ptreectl accumulator -dir=/var/lib/ptree -volume=orders -tree=by_id -index=0
  ptreectl droptree -dir=/var/lib/ptree -volume=orders -tree=by_id`)
}

func openEngine(dir string) *engine.Engine {
	e, err := engine.Open(dir, engine.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dir, err)
		os.Exit(1)
	}
	return e
}

func runCreate(dir, volumeName string) {
	e := openEngine(dir)
	defer e.Close()
	if err := e.CreateVolume(volumeName); err != nil {
		fmt.Fprintf(os.Stderr, "create volume %q: %v\n", volumeName, err)
		os.Exit(1)
	}
	fmt.Printf("created volume %q in %s\n", volumeName, dir)
}

func runHeader(dir, volumeName string) {
	e := openEngine(dir)
	defer e.Close()
	h, err := e.VolumeHeader(volumeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "header %q: %v\n", volumeName, err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "FormatVersion\t%d\n", h.FormatVersion)
	fmt.Fprintf(w, "PageSize\t%d\n", h.PageSize)
	fmt.Fprintf(w, "PageCount\t%d\n", h.PageCount)
	fmt.Fprintf(w, "VolumeID\t%d\n", h.VolumeID)
	fmt.Fprintf(w, "TreeDirectoryRoot\t%d\n", h.TreeDirectoryRoot)
	fmt.Fprintf(w, "GarbageRoot\t%d\n", h.GarbageRoot)
	fmt.Fprintf(w, "CheckpointLSN\t%d\n", h.CheckpointLSN)
	fmt.Fprintf(w, "NextAvailablePage\t%d\n", h.NextAvailablePage)
	fmt.Fprintf(w, "ReadCounter\t%d\n", h.ReadCounter)
	fmt.Fprintf(w, "WriteCounter\t%d\n", h.WriteCounter)
	fmt.Fprintf(w, "FetchCounter\t%d\n", h.FetchCounter)
	fmt.Fprintf(w, "TraverseCounter\t%d\n", h.TraverseCounter)
	fmt.Fprintf(w, "StoreCounter\t%d\n", h.StoreCounter)
	fmt.Fprintf(w, "RemoveCounter\t%d\n", h.RemoveCounter)
	fmt.Fprintf(w, "CreateTimestamp\t%d\n", h.CreateTimestamp)
	fmt.Fprintf(w, "OpenTimestamp\t%d\n", h.OpenTimestamp)
	fmt.Fprintf(w, "LastExtensionTimestamp\t%d\n", h.LastExtensionTimestamp)
	fmt.Fprintf(w, "LastReadTimestamp\t%d\n", h.LastReadTimestamp)
	fmt.Fprintf(w, "LastWriteTimestamp\t%d\n", h.LastWriteTimestamp)
	w.Flush()
}

func runTrees(dir, volumeName string) {
	e := openEngine(dir)
	defer e.Close()
	recs, err := e.ListTrees(volumeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trees %q: %v\n", volumeName, err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHANDLE\tROOT\tDEPTH\tCHANGES")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", r.Name, r.Handle, r.RootPage, r.Depth, r.ChangeCount)
	}
	w.Flush()
}

func runAccumulator(dir, volumeName, treeName string, index int) {
	e := openEngine(dir)
	defer e.Close()
	kind, value, found, err := e.AccumulatorSnapshot(volumeName, treeName, index)
	if err != nil {
		fmt.Fprintf(os.Stderr, "accumulator %s[%d]: %v\n", treeName, index, err)
		os.Exit(1)
	}
	if !found {
		fmt.Printf("%s[%s] has no checkpointed value yet\n", treeName, strconv.Itoa(index))
		return
	}
	fmt.Printf("%s[%d] = %d (%s)\n", treeName, index, value, kind)
}

func runDropTree(dir, volumeName, treeName string) {
	e := openEngine(dir)
	defer e.Close()
	if err := e.DropTree(volumeName, treeName); err != nil {
		fmt.Fprintf(os.Stderr, "droptree %q: %v\n", treeName, err)
		os.Exit(1)
	}
	fmt.Printf("dropped tree %q from volume %q\n", treeName, volumeName)
}
