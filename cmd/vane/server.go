package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-vane/internal/client"
	"github.com/23skdu/longbow-vane/internal/convert"
	"github.com/23skdu/longbow-vane/internal/device"
	"github.com/23skdu/longbow-vane/internal/layout"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

var (
	tensorsConverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vane_server_tensors_converted_total",
		Help: "The total number of tensors converted over HTTP",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vane_server_request_duration_seconds",
		Help:    "Time spent processing convert requests",
		Buckets: prometheus.DefBuckets,
	})
)

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// ConvertRequest is the CBOR body of POST /convert. Data carries the
// flattened payload in native little-endian element encoding.
type ConvertRequest struct {
	Op    string  `cbor:"op"`
	Dims  []int64 `cbor:"dims"`
	DType string  `cbor:"dtype"`
	Data  []byte  `cbor:"data"`
}

// ConvertResponse mirrors ConvertRequest for the converted tensor.
type ConvertResponse struct {
	Dims  []int64 `cbor:"dims"`
	DType string  `cbor:"dtype"`
	Data  []byte  `cbor:"data"`
}

type Server struct {
	registry     *convert.Registry
	flightClient FlightClientInterface
	breaker      *client.CircuitBreaker
	datasetName  string
	alloc        memory.Allocator
	batchBuilder *client.TensorBatchBuilder
	sem          *semaphore.Weighted
	maxInFlight  int64
}

func NewServer(registry *convert.Registry, fc FlightClientInterface, dataset string, maxConcurrent int) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		registry:     registry,
		flightClient: fc,
		breaker:      client.NewCircuitBreaker(5, 10*time.Second),
		datasetName:  dataset,
		alloc:        alloc,
		batchBuilder: client.NewTensorBatchBuilder(alloc),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxInFlight:  int64(maxConcurrent),
	}
}

func startServer(addr string, registry *convert.Registry, fc FlightClientInterface, dataset string, maxConcurrent int) {
	srv := NewServer(registry, fc, dataset, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/convert", srv.handleConvert)
	http.HandleFunc("/convert/arrow", srv.handleConvertArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Vane Server")
	if fc != nil {
		log.Info().Str("dataset", dataset).Msg("Forwarding converted batches to Longbow")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("vane-server")

func tensorFromRequest(req *ConvertRequest) (*tensor.Tensor, error) {
	dt, err := tensor.ParseDataType(req.DType)
	if err != nil {
		return nil, err
	}
	dims := make([]int, len(req.Dims))
	for i, d := range req.Dims {
		dims[i] = int(d)
	}
	if err := layout.CheckDims(dims); err != nil {
		return nil, err
	}

	t := tensor.New(dt, dims)
	if len(req.Data) != t.SizeBytes() {
		return nil, fmt.Errorf("payload is %d bytes, dims %v with %s need %d",
			len(req.Data), dims, dt, t.SizeBytes())
	}
	copy(t.Bytes(), req.Data)
	return t, nil
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleConvert")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConvertRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	src, err := tensorFromRequest(&req)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	op, ok := s.registry.Get(req.Op)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown operator: %s", req.Op), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.String("op", req.Op),
		attribute.Int("elements", src.NumElems()),
	)

	// Admission control by element count. A weight past the semaphore
	// capacity would block until the client gave up, so reject it outright.
	weight := int64(src.NumElems())
	if weight > s.maxInFlight {
		http.Error(w, fmt.Sprintf("Tensor of %d elements exceeds the admission limit of %d", weight, s.maxInFlight),
			http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	out, err := op.Apply(src)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, layout.ErrRank) || errors.Is(err, layout.ErrDim) || errors.Is(err, device.ErrUnsupportedType) {
			http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("op", req.Op).Msg("Conversion failed")
		http.Error(w, "Conversion failed", http.StatusInternalServerError)
		return
	}
	tensorsConverted.Inc()

	if s.flightClient != nil {
		if err := s.forwardToLongbow(ctx, out); err != nil {
			log.Error().Err(err).Msg("Error forwarding converted tensor to Longbow")
		}
	}

	dims := make([]int64, len(out.Dims()))
	for i, d := range out.Dims() {
		dims[i] = int64(d)
	}
	resp := ConvertResponse{Dims: dims, DType: out.DType().String(), Data: out.Bytes()}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(&resp); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) forwardToLongbow(ctx context.Context, tensors ...*tensor.Tensor) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("longbow forwarding circuit is open")
	}

	rb, err := s.batchBuilder.Build(tensors)
	if err != nil {
		return err
	}
	if rb == nil {
		return nil
	}
	defer rb.Release()

	if err := s.flightClient.DoPut(ctx, s.datasetName, rb); err != nil {
		s.breaker.Failure()
		return err
	}
	s.breaker.Success()
	return nil
}

func (s *Server) handleConvertArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleConvertArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	opName := r.URL.Query().Get("op")
	if opName == "" {
		opName = "NCHW2NHWC"
	}
	op, ok := s.registry.Get(opName)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown operator: %s", opName), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("op", opName))

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var writer *ipc.Writer
	totalConverted := 0

	for reader.Next() {
		rec := reader.Record()
		tensors, err := client.TensorsFromBatch(rec)
		if err != nil {
			log.Error().Err(err).Msg("Bad tensor batch in Arrow stream")
			http.Error(w, fmt.Sprintf("Bad batch: %v", err), http.StatusBadRequest)
			return
		}

		var weight int64
		for _, t := range tensors {
			weight += int64(t.NumElems())
		}
		if weight > s.maxInFlight {
			log.Error().Int64("weight", weight).Int64("limit", s.maxInFlight).Msg("Arrow batch exceeds admission limit")
			if writer == nil {
				http.Error(w, fmt.Sprintf("Batch of %d elements exceeds the admission limit of %d", weight, s.maxInFlight),
					http.StatusRequestEntityTooLarge)
			}
			return
		}
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			// Headers are gone once the writer exists; otherwise tell the
			// client the stream was not fully consumed.
			if writer == nil {
				http.Error(w, "Server busy", http.StatusServiceUnavailable)
			}
			return
		}

		converted := make([]*tensor.Tensor, len(tensors))
		for i, t := range tensors {
			out, err := op.Apply(t)
			if err != nil {
				s.sem.Release(weight)
				log.Error().Err(err).Str("op", opName).Msg("Conversion failed for arrow batch")
				http.Error(w, fmt.Sprintf("Conversion failed: %v", err), http.StatusInternalServerError)
				return
			}
			converted[i] = out
		}
		s.sem.Release(weight)
		tensorsConverted.Add(float64(len(converted)))

		outBatch, err := s.batchBuilder.Build(converted)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to build output batch: %v", err), http.StatusInternalServerError)
			return
		}

		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer = ipc.NewWriter(w, ipc.WithSchema(outBatch.Schema()), ipc.WithAllocator(s.alloc))
			defer writer.Close()
		}
		if err := writer.Write(outBatch); err != nil {
			outBatch.Release()
			log.Error().Err(err).Msg("Failed to write converted batch")
			return
		}
		outBatch.Release()

		if s.flightClient != nil {
			if err := s.forwardToLongbow(ctx, converted...); err != nil {
				log.Error().Err(err).Msg("Error forwarding converted batch to Longbow")
			}
		}
		totalConverted += len(converted)
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		if writer == nil {
			http.Error(w, "Stream error", http.StatusInternalServerError)
		}
		return
	}

	if writer == nil {
		// Empty stream: nothing to answer with beyond success
		w.WriteHeader(http.StatusOK)
	}
	log.Debug().Int("tensors", totalConverted).Str("op", opName).Msg("Arrow convert stream complete")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
