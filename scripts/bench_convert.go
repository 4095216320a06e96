//go:build ignore

package main

import (
	"flag"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-vane/internal/convert"
	"github.com/23skdu/longbow-vane/internal/device"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

// Measures conversion latency distributions on the CPU backend across a
// few representative shapes.
//
//	go run scripts/bench_convert.go [-iters N]
func main() {
	iters := flag.Int("iters", 50, "iterations per shape")
	flag.Parse()

	registry := convert.NewRegistry(device.NewCPUBackend())
	fwd, _ := registry.Get("NCHW2NHWC")

	shapes := [][]int{
		{1, 3, 224, 224},
		{32, 3, 224, 224},
		{8, 64, 56, 56},
		{4, 16, 8, 8, 8},
	}

	for _, dims := range shapes {
		for _, dt := range []tensor.DataType{tensor.Float32, tensor.Float16} {
			src := tensor.Synthetic(dt, dims, 1)
			dst := &tensor.Tensor{}

			// warm the descriptor cache and the page cache
			if err := fwd.Run(src, dst); err != nil {
				panic(err)
			}

			samples := make([]float64, *iters)
			for i := range samples {
				start := time.Now()
				if err := fwd.Run(src, dst); err != nil {
					panic(err)
				}
				samples[i] = time.Since(start).Seconds() * 1e3
			}

			mean, std := stat.MeanStdDev(samples, nil)
			mbps := float64(src.SizeBytes()) / (mean / 1e3) / (1 << 20)
			fmt.Printf("%-18v %-8s mean %8.3fms  std %7.3fms  %9.1f MiB/s\n",
				dims, dt, mean, std, mbps)
		}
	}
}
