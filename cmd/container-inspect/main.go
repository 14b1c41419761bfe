// Command container-inspect prints the header and chunk table of one or more
// containers and optionally decodes every chunk to check the digest.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/gpustream/container"
)

func main() {
	verify := flag.Bool("verify", false, "Decode every chunk and check the content digest")
	chunks := flag.Bool("chunks", false, "List every chunk")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] container...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one container path is required.")
		flag.Usage()
		os.Exit(1)
	}

	failed := false
	for _, path := range flag.Args() {
		if err := inspect(os.Stdout, path, *chunks, *verify); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func inspect(out io.Writer, path string, listChunks, verify bool) error {
	r, err := container.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	hdr := r.Header()
	ix := r.Index()
	ratio := 0.0
	if ix.Size > 0 {
		ratio = float64(ix.StoredSize()) / float64(ix.Size)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "File:\t%s\n", path)
	fmt.Fprintf(w, "Format version:\t%d\n", hdr.Version)
	fmt.Fprintf(w, "Created:\t%s\n", time.Unix(0, hdr.CreatedAt).Format(time.RFC3339))
	fmt.Fprintf(w, "Method:\t%s\n", r.Method())
	fmt.Fprintf(w, "Chunk size:\t%d\n", r.ChunkSize())
	fmt.Fprintf(w, "Chunks:\t%d\n", len(ix.Chunks))
	fmt.Fprintf(w, "Size:\t%d\n", ix.Size)
	fmt.Fprintf(w, "Stored:\t%d (%.1f%%)\n", ix.StoredSize(), ratio*100)
	fmt.Fprintf(w, "Digest:\t%s\n", hex.EncodeToString(ix.Digest))
	if err := w.Flush(); err != nil {
		return err
	}

	if listChunks {
		w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tCODEC\tOFFSET\tRAW OFFSET\tRAW\tSTORED\tCRC32")
		for i, c := range ix.Chunks {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%08x\n", i, c.Codec, c.Offset, c.RawOffset, c.RawLen, c.StoredLen, c.Checksum)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if verify {
		if err := r.Verify(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Verified: ok")
	}
	return nil
}
