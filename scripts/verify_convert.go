//go:build ignore

package main

import (
	"context"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-vane/internal/client"
	"github.com/23skdu/longbow-vane/internal/convert"
	"github.com/23skdu/longbow-vane/internal/device"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

// Sends a synthetic tensor batch through a running vane Flight server and
// checks the result against a local CPU conversion.
//
//	go run scripts/verify_convert.go [addr]
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Vane Flight Server")

	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	tensors := []*tensor.Tensor{
		tensor.Synthetic(tensor.Float32, []int{2, 3, 5}, 1),
		tensor.Synthetic(tensor.Float32, []int{2, 3, 4, 5}, 2),
		tensor.Synthetic(tensor.Float32, []int{1, 2, 3, 4, 5}, 3),
	}

	builder := client.NewTensorBatchBuilder(memory.NewGoAllocator())
	batch, err := builder.Build(tensors)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build batch")
	}
	defer batch.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := c.Convert(ctx, "NCHW2NHWC", batch)
	if err != nil {
		log.Fatal().Err(err).Msg("DoExchange failed")
	}
	defer out.Release()

	got, err := client.TensorsFromBatch(out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to unpack converted batch")
	}

	local := convert.NewNCHW2NHWC(device.NewCPUBackend())
	for i, src := range tensors {
		want, err := local.Apply(src)
		if err != nil {
			log.Fatal().Err(err).Msg("Local conversion failed")
		}
		if !got[i].Equal(want) {
			log.Fatal().Int("row", i).Ints("dims", src.Dims()).Msg("Server result differs from local conversion")
		}
		log.Info().Int("row", i).Ints("src_dims", src.Dims()).Ints("dst_dims", got[i].Dims()).Msg("Verified")
	}

	log.Info().Msg("All conversions verified against local CPU backend")
}
