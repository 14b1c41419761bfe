// Command io-cube-texture writes six face images concurrently, loads them
// into a cube texture through the orchestrator and verifies every face.
//
// With orchestrator.policy set to concurrent (and allow_hazards) the command
// reproduces the lost-update hazard of loading several regions of one
// resource from a single batch; -runs repeats the load to count how often
// faces come back wrong.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/INLOpen/gpustream/compression"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/internal/cli"
	"github.com/INLOpen/gpustream/orchestrator"
	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"
)

const bytesPerPixel = 4

var faceNames = [device.CubeFaces]string{"posx", "negx", "posy", "negy", "posz", "negz"}

func main() {
	configPath := flag.String("config", "gpustream.yaml", "Path to the configuration file")
	facesDir := flag.String("faces", "", "Directory holding posx.png ... negz.png (generated faces when empty)")
	size := flag.Int("size", 256, "Face edge length in pixels")
	runs := flag.Int("runs", 1, "How many times to load and verify the cube")
	flag.Parse()

	env, err := cli.Setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, env, *facesDir, *size, max(*runs, 1))
	stop()
	env.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func debugTime[T any](label string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	fmt.Printf("[%-40s] %v\n", label, time.Since(start).Round(time.Microsecond))
	return v, err
}

func loadFaces(dir string, size int) ([]*image.RGBA, error) {
	faces := make([]*image.RGBA, device.CubeFaces)
	for i, name := range faceNames {
		if dir == "" {
			faces[i] = cli.Synthetic(size, size, uint8(i*40+1))
			continue
		}
		img, err := cli.LoadRGBA(filepath.Join(dir, name+".png"), size, size)
		if err != nil {
			return nil, err
		}
		faces[i] = img
	}
	return faces, nil
}

func run(ctx context.Context, env *cli.Env, facesDir string, size, runs int) error {
	method, err := env.Config.CompressionMethod()
	if err != nil {
		return err
	}
	faces, err := loadFaces(facesDir, size)
	if err != nil {
		return err
	}
	tmp, err := os.MkdirTemp("", "gpustream-cube-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	fmt.Printf("Writing cube face textures %s ...\n", tmp)

	files, err := debugTime("Write cube faces", func() ([]string, error) {
		files := make([]string, device.CubeFaces)
		var g errgroup.Group
		for i := range faces {
			files[i] = filepath.Join(tmp, fmt.Sprintf("temp-texture-%d.%s", i, method))
			g.Go(func() error {
				return compression.WriteFile(files[i], method, env.Config.Compression.ChunkSize, faces[i].Pix, compression.WithLogger(env.Logger), compression.WithHooks(env.Hooks))
			})
		}
		return files, g.Wait()
	})
	if err != nil {
		return err
	}

	dev := device.New(env.Config.DeviceOptions(env.Logger)...)
	defer dev.Close()
	opts := append(env.Config.OrchestratorOptions(env.Logger), orchestrator.WithHooks(env.Hooks))
	orch, err := orchestrator.New(dev, opts...)
	if err != nil {
		return err
	}
	fmt.Printf("Loading with policy %s\n", orch.Policy())

	edge := uint32(size)
	bytesPerRow := uint64(edge) * bytesPerPixel
	corrupted := 0
	for r := range runs {
		tex, err := dev.NewTexture(&device.TextureDescriptor{
			Label:     "cube",
			Format:    gputypes.TextureFormatRGBA8Unorm,
			Dimension: gputypes.TextureDimension2D,
			Size:      gputypes.Extent3D{Width: edge, Height: edge},
			Cube:      true,
		})
		if err != nil {
			return err
		}
		job := orchestrator.Job{Name: fmt.Sprintf("cube-%d", r)}
		for i, path := range files {
			job.Loads = append(job.Loads, orchestrator.TextureLoad{
				Dst:           tex,
				Slice:         uint32(i),
				Size:          gputypes.Extent3D{Width: edge, Height: edge, DepthOrArrayLayers: 1},
				BytesPerRow:   bytesPerRow,
				BytesPerImage: bytesPerRow * uint64(edge),
				Source:        orchestrator.Source{URI: path, Method: method},
			})
		}
		if _, err := debugTime("Load all compressed textures", func() (*orchestrator.Result, error) {
			return orch.Run(ctx, job)
		}); err != nil {
			tex.Release()
			return err
		}

		bad, err := verify(tex, faces, bytesPerRow)
		tex.Release()
		if err != nil {
			return err
		}
		if bad > 0 {
			corrupted++
		}
	}
	if env.Guard != nil && env.Guard.Flagged() > 0 {
		fmt.Printf("%d batch commits were flagged as hazardous\n", env.Guard.Flagged())
	}
	if corrupted > 0 {
		return fmt.Errorf("%d of %d runs produced incorrect cube faces", corrupted, runs)
	}
	fmt.Println("... all faces verified!")
	return nil
}

func verify(tex *device.Texture, faces []*image.RGBA, bytesPerRow uint64) (int, error) {
	bad := 0
	for i, face := range faces {
		got := make([]byte, len(face.Pix))
		if err := tex.GetBytes(got, bytesPerRow, 0, device.RegionOf(tex.MipSize(0)), 0, uint32(i)); err != nil {
			return bad, err
		}
		if !bytes.Equal(got, face.Pix) {
			fmt.Printf("Cube texture face #%d (%s) contents are incorrect: %v %v\n", i, faceNames[i], got[:4], face.Pix[:4])
			bad++
		}
	}
	return bad, nil
}
