// Command io-buffer compresses a short repeated string into a container and
// streams it back into a device buffer, verifying the contents.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/INLOpen/gpustream/compression"
	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/internal/cli"
	"github.com/INLOpen/gpustream/transfer"
)

const (
	chunkSize = 256
	method    = core.CompressionLZ4
)

func main() {
	configPath := flag.String("config", "gpustream.yaml", "Path to the configuration file")
	out := flag.String("out", filepath.Join(os.TempDir(), "temp.lz4"), "Container to write")
	repeat := flag.Int("repeat", 256, "How many times to repeat the payload")
	flag.Parse()

	env, err := cli.Setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	err = run(env, *out, bytes.Repeat([]byte("yolo"), *repeat))
	env.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(env *cli.Env, path string, src []byte) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fmt.Printf("Writing a compressed file (%s)...\n", path)
	cc, err := compression.Open(path, method, chunkSize, compression.WithLogger(env.Logger), compression.WithHooks(env.Hooks))
	if err != nil {
		return err
	}
	cc.Append(src)
	if status := cc.Flush(); status != core.StatusComplete {
		return fmt.Errorf("flush finished with status %s: %w", status, cc.Err())
	}
	fmt.Println("... write completed!")

	dev := device.New(env.Config.DeviceOptions(env.Logger)...)
	defer dev.Close()
	buf, err := dev.NewBuffer(uint64(len(src)), "io-buffer")
	if err != nil {
		return err
	}
	defer buf.Release()

	fmt.Printf("Reading compressed file (%s) into buffer...\n", path)
	h, err := transfer.OpenHandle(dev, "file:///"+path, method, transfer.WithHandleLogger(env.Logger), transfer.WithHandleHooks(env.Hooks))
	if err != nil {
		return err
	}
	defer h.Close()
	q, err := transfer.NewQueue(dev, transfer.DefaultQueueConfig(), transfer.WithLogger(env.Logger), transfer.WithHooks(env.Hooks))
	if err != nil {
		return err
	}
	defer q.Close()

	b := q.NewBatchUnretained()
	if err := b.LoadBuffer(buf, 0, buf.Length(), h, 0); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}
	if status := b.WaitUntilCompleted(); status != core.StatusComplete {
		return fmt.Errorf("load finished with status %s: %w", status, b.Err())
	}
	fmt.Println("... read completed!")

	fmt.Println("Verifying contents match originally written data...")
	if !bytes.Equal(buf.Contents(), src) {
		return fmt.Errorf("buffer contents differ from the written data")
	}
	fmt.Println("... contents verified!")
	return nil
}
