// Command io-texture compresses an RGBA image into a container and streams it
// into a 2D device texture, verifying the texels on readback.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/INLOpen/gpustream/compression"
	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/internal/cli"
	"github.com/INLOpen/gpustream/transfer"
	"github.com/gogpu/gputypes"
)

const bytesPerPixel = 4

func main() {
	configPath := flag.String("config", "gpustream.yaml", "Path to the configuration file")
	pngPath := flag.String("png", "", "PNG image to load (a generated gradient when empty)")
	width := flag.Int("width", 0, "Scale the image to this width (0 keeps the source width, 256 for the gradient)")
	height := flag.Int("height", 0, "Scale the image to this height (0 keeps the source height, 256 for the gradient)")
	out := flag.String("out", filepath.Join(os.TempDir(), "temp-texture.lz4"), "Container to write")
	flag.Parse()

	env, err := cli.Setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var img *image.RGBA
	if *pngPath != "" {
		img, err = cli.LoadRGBA(*pngPath, *width, *height)
	} else {
		img = cli.Synthetic(valueOr(*width, 256), valueOr(*height, 256), 0x80)
	}
	if err == nil {
		err = run(env, *out, img)
	}
	env.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func valueOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func run(env *cli.Env, path string, img *image.RGBA) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	method, err := env.Config.CompressionMethod()
	if err != nil {
		return err
	}
	w, h := uint32(img.Bounds().Dx()), uint32(img.Bounds().Dy())

	fmt.Printf("Writing a %dx%d image into a compressed file (%s)...\n", w, h, path)
	if err := compression.WriteFile(path, method, env.Config.Compression.ChunkSize, img.Pix, compression.WithLogger(env.Logger), compression.WithHooks(env.Hooks)); err != nil {
		return err
	}
	fmt.Println("... write completed!")

	dev := device.New(env.Config.DeviceOptions(env.Logger)...)
	defer dev.Close()
	tex, err := dev.NewTexture(&device.TextureDescriptor{
		Label:     "io-texture",
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Dimension: gputypes.TextureDimension2D,
		Size:      gputypes.Extent3D{Width: w, Height: h},
	})
	if err != nil {
		return err
	}
	defer tex.Release()

	fmt.Printf("Reading compressed file (%s) into texture...\n", path)
	handle, err := transfer.OpenHandle(dev, "file:///"+path, method, transfer.WithHandleLogger(env.Logger), transfer.WithHandleHooks(env.Hooks))
	if err != nil {
		return err
	}
	defer handle.Close()
	q, err := transfer.NewQueue(dev, env.Config.TransferQueue(), transfer.WithLogger(env.Logger), transfer.WithHooks(env.Hooks))
	if err != nil {
		return err
	}
	defer q.Close()

	bytesPerRow := uint64(w) * bytesPerPixel
	b := q.NewBatchUnretained()
	size := gputypes.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}
	if err := b.LoadTexture(tex, 0, 0, size, bytesPerRow, bytesPerRow*uint64(h), device.Origin{}, handle, 0); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}
	if status := b.WaitUntilCompleted(); status != core.StatusComplete {
		return fmt.Errorf("failed to load texture: status %s: %w", status, b.Err())
	}
	fmt.Println("... read completed!")

	fmt.Println("Verifying texture contents match originally written image...")
	got := make([]byte, len(img.Pix))
	if err := tex.GetBytes(got, bytesPerRow, 0, device.Region{Size: size}, 0, 0); err != nil {
		return err
	}
	if !bytes.Equal(got, img.Pix) {
		return fmt.Errorf("texture contents differ from the source image")
	}
	fmt.Println("... contents verified!")
	return nil
}
