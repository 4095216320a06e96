package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-vane/internal/client"
	"github.com/23skdu/longbow-vane/internal/convert"
	"github.com/23skdu/longbow-vane/internal/device"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

var (
	backendName   = flag.String("backend", "cpu", "Transform backend (cpu, cuda)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Longbow server address to forward converted batches to (e.g. localhost:3000)")
	datasetName   = flag.String("dataset", "vane_dataset", "Target dataset name on server")
	maxConcurrent = flag.Int("max-concurrent", 1<<26, "Maximum number of in-flight tensor elements")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")

	inputPath  = flag.String("input", "", "Convert a raw tensor file and exit")
	outputPath = flag.String("output", "", "Output path for -input mode (default: <input>.out)")
	opName     = flag.String("op", "NCHW2NHWC", "Conversion operator (NCHW2NHWC, NHWC2NCHW)")
	dimsFlag   = flag.String("dims", "32,3,224,224", "Tensor shape for soak mode, comma separated")
	dtypeFlag  = flag.String("dtype", "fp32", "Element type for soak mode (fp32, fp16)")
)

func parseDims(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	dims := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad dim %q: %w", p, err)
		}
		dims[i] = v
	}
	return dims, nil
}

func newBackend(name string) device.Backend {
	switch name {
	case "cpu":
		return device.NewCPUBackend()
	case "cuda":
		return device.NewCudnnBackend()
	}
	log.Fatal().Str("backend", name).Msg("Unknown backend")
	return nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	backend := newBackend(*backendName)
	registry := convert.NewRegistry(backend)
	log.Info().Str("backend", backend.Name()).Msg("Transform backend ready")

	// Server Mode
	if *listenAddr != "" {
		var fc FlightClientInterface
		if *serverAddr != "" {
			c, err := client.NewFlightClient(*serverAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight client")
			}
			log.Info().Str("addr", *serverAddr).Msg("Connected to Longbow Flight Server")
			fc = c
		}

		go startServer(*listenAddr, registry, fc, *datasetName, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, registry)
		return
	}

	// One-shot file mode
	if *inputPath != "" {
		if err := convertFile(registry, *inputPath, *outputPath, *opName); err != nil {
			log.Fatal().Err(err).Str("input", *inputPath).Msg("Conversion failed")
		}
		return
	}

	dims, err := parseDims(*dimsFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad -dims")
	}
	dt, err := tensor.ParseDataType(*dtypeFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad -dtype")
	}

	if *duration > 0 {
		runSoak(registry, dt, dims, *duration)
		return
	}

	// Default: convert one synthetic tensor and report
	src := tensor.Synthetic(dt, dims, time.Now().UnixNano())
	start := time.Now()
	out, err := registry.Execute(*opName, src)
	if err != nil {
		log.Fatal().Err(err).Str("op", *opName).Msg("Conversion failed")
	}
	elapsed := time.Since(start)

	log.Info().
		Str("op", *opName).
		Str("dtype", dt.String()).
		Ints("src_dims", src.Dims()).
		Ints("dst_dims", out.Dims()).
		Dur("elapsed", elapsed).
		Msg("Converted tensor")
}

func convertFile(registry *convert.Registry, in, out, op string) error {
	src, err := tensor.ReadRawFile(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}

	dst, err := registry.Execute(op, src)
	if err != nil {
		return err
	}

	if out == "" {
		out = in + ".out"
	}
	if err := tensor.WriteRawFile(out, dst); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}

	log.Info().
		Str("op", op).
		Ints("src_dims", src.Dims()).
		Ints("dst_dims", dst.Dims()).
		Str("output", out).
		Msg("Converted file")
	return nil
}

// runSoak converts the same shape back and forth for the given duration
// and reports element throughput.
func runSoak(registry *convert.Registry, dt tensor.DataType, dims []int, d time.Duration) {
	log.Info().Str("duration", d.String()).Ints("dims", dims).Str("dtype", dt.String()).Msg("Starting soak test")

	fwd, _ := registry.Get("NCHW2NHWC")
	bwd, _ := registry.Get("NHWC2NCHW")

	src := tensor.Synthetic(dt, dims, 1)
	mid := &tensor.Tensor{}
	back := &tensor.Tensor{}

	p := message.NewPrinter(language.English)
	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalElems int64
	var iter int

	for time.Now().Before(endTime) {
		if err := fwd.Run(src, mid); err != nil {
			log.Fatal().Err(err).Msg("Forward conversion failed in soak")
		}
		if err := bwd.Run(mid, back); err != nil {
			log.Fatal().Err(err).Msg("Backward conversion failed in soak")
		}

		totalElems += int64(2 * src.NumElems())
		iter++

		if iter%100 == 0 {
			elapsed := time.Since(startTime)
			eps := float64(totalElems) / elapsed.Seconds()
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Str("total_elements", p.Sprintf("%d", totalElems)).
				Str("elements_per_sec", p.Sprintf("%.0f", eps)).
				Msg("Soak test progress")
		}
	}

	if !back.Equal(src) {
		log.Fatal().Msg("Soak round trip diverged from the source tensor")
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int("iterations", iter).
		Str("total_elements", p.Sprintf("%d", totalElems)).
		Dur("total_time", totalElapsed).
		Str("avg_elements_per_sec", p.Sprintf("%.0f", float64(totalElems)/totalElapsed.Seconds())).
		Msg("Soak test complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("vane"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
