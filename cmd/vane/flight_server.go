package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-vane/internal/client"
	"github.com/23skdu/longbow-vane/internal/convert"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

type VaneFlightServer struct {
	flight.BaseFlightServer
	registry *convert.Registry
	alloc    memory.Allocator
}

func NewVaneFlightServer(registry *convert.Registry) *VaneFlightServer {
	return &VaneFlightServer{
		registry: registry,
		alloc:    memory.NewGoAllocator(),
	}
}

// DoExchange converts each incoming tensor batch and streams the results
// back. The operator name travels as the descriptor command.
func (s *VaneFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	opName := "NCHW2NHWC"
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Cmd) > 0 {
		opName = string(desc.Cmd)
	}
	op, ok := s.registry.Get(opName)
	if !ok {
		return fmt.Errorf("unknown operator: %s", opName)
	}

	builder := client.NewTensorBatchBuilder(s.alloc)
	var writer *flight.Writer

	for reader.Next() {
		tensors, err := client.TensorsFromBatch(reader.Record())
		if err != nil {
			return fmt.Errorf("bad tensor batch: %w", err)
		}

		converted := make([]*tensor.Tensor, len(tensors))
		for i, t := range tensors {
			out, err := op.Apply(t)
			if err != nil {
				return fmt.Errorf("%s: %w", opName, err)
			}
			converted[i] = out
		}

		outBatch, err := builder.Build(converted)
		if err != nil {
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(outBatch.Schema()))
			defer writer.Close()
		}
		if err := writer.Write(outBatch); err != nil {
			outBatch.Release()
			return err
		}
		outBatch.Release()
	}
	return reader.Err()
}

func StartFlightServer(addr string, registry *convert.Registry) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewVaneFlightServer(registry))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Vane Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
