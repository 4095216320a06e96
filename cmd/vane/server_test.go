package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-vane/internal/client"
	"github.com/23skdu/longbow-vane/internal/convert"
	"github.com/23skdu/longbow-vane/internal/device"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

func convertRequest(t *testing.T, src *tensor.Tensor, op string) *http.Request {
	t.Helper()
	dims := make([]int64, len(src.Dims()))
	for i, d := range src.Dims() {
		dims[i] = int64(d)
	}
	body, err := cbor.Marshal(&ConvertRequest{
		Op:    op,
		Dims:  dims,
		DType: src.DType().String(),
		Data:  src.Bytes(),
	})
	require.NoError(t, err)
	req, err := http.NewRequest("POST", "/convert", bytes.NewReader(body))
	require.NoError(t, err)
	return req
}

func TestServer_Full(t *testing.T) {
	registry := convert.NewRegistry(device.NewCPUBackend())

	mfc := &mockFlightClient{}
	srv := NewServer(registry, mfc, "test-dataset", 1<<20)

	t.Run("HandleConvert with Forwarding", func(t *testing.T) {
		src := tensor.FromFloat32([]int{1, 2, 1, 2}, []float32{0, 1, 2, 3})
		rr := httptest.NewRecorder()

		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil)

		http.HandlerFunc(srv.handleConvert).ServeHTTP(rr, convertRequest(t, src, "NCHW2NHWC"))

		require.Equal(t, http.StatusOK, rr.Code)
		mfc.AssertExpectations(t)

		var resp ConvertResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []int64{1, 1, 2, 2}, resp.Dims)
		assert.Equal(t, "float32", resp.DType)

		out := tensor.New(tensor.Float32, []int{1, 1, 2, 2})
		copy(out.Bytes(), resp.Data)
		// [n][c][h][w] -> [n][h][w][c] with c=2, h=1, w=2
		assert.Equal(t, []float32{0, 2, 1, 3}, out.AsFloat32())
	})

	t.Run("Unknown operator", func(t *testing.T) {
		src := tensor.FromFloat32([]int{1, 2, 1, 2}, []float32{0, 1, 2, 3})
		rr := httptest.NewRecorder()

		srv.handleConvert(rr, convertRequest(t, src, "Transpose"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Rank 2 rejected", func(t *testing.T) {
		body, _ := cbor.Marshal(&ConvertRequest{
			Op:    "NCHW2NHWC",
			Dims:  []int64{2, 2},
			DType: "float32",
			Data:  make([]byte, 16),
		})
		req, _ := http.NewRequest("POST", "/convert", bytes.NewReader(body))
		rr := httptest.NewRecorder()

		srv.handleConvert(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Payload size mismatch rejected", func(t *testing.T) {
		body, _ := cbor.Marshal(&ConvertRequest{
			Op:    "NCHW2NHWC",
			Dims:  []int64{1, 2, 1, 2},
			DType: "float32",
			Data:  make([]byte, 3),
		})
		req, _ := http.NewRequest("POST", "/convert", bytes.NewReader(body))
		rr := httptest.NewRecorder()

		srv.handleConvert(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Oversized tensor rejected", func(t *testing.T) {
		small := NewServer(registry, nil, "", 16)

		// 30 elements against a 16-element admission limit must be
		// refused up front, not parked on the semaphore.
		src := tensor.Synthetic(tensor.Float32, []int{2, 3, 5}, 5)
		rr := httptest.NewRecorder()

		small.handleConvert(rr, convertRequest(t, src, "NCHW2NHWC"))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()

		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_ConvertArrow(t *testing.T) {
	registry := convert.NewRegistry(device.NewCPUBackend())
	srv := NewServer(registry, nil, "", 1<<20)

	pool := memory.NewGoAllocator()
	builder := client.NewTensorBatchBuilder(pool)

	src := tensor.FromFloat32([]int{2, 3, 5}, func() []float32 {
		data := make([]float32, 30)
		for i := range data {
			data[i] = float32(i)
		}
		return data
	}())

	rb, err := builder.Build([]*tensor.Tensor{src})
	require.NoError(t, err)
	defer rb.Release()

	var body bytes.Buffer
	writer := ipc.NewWriter(&body, ipc.WithSchema(rb.Schema()))
	require.NoError(t, writer.Write(rb))
	require.NoError(t, writer.Close())

	req, _ := http.NewRequest("POST", "/convert/arrow?op=NCHW2NHWC", &body)
	rr := httptest.NewRecorder()
	srv.handleConvertArrow(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	reader, err := ipc.NewReader(rr.Body, ipc.WithAllocator(pool))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	out, err := client.TensorsFromBatch(reader.Record())
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, []int{2, 5, 3}, out[0].Dims())
	assert.Equal(t, []float32{
		0, 5, 10, 1, 6, 11, 2, 7, 12, 3, 8, 13, 4, 9, 14,
		15, 20, 25, 16, 21, 26, 17, 22, 27, 18, 23, 28, 19, 24, 29,
	}, out[0].AsFloat32())
}

func arrowStreamRequest(t *testing.T, src *tensor.Tensor, target string) *http.Request {
	t.Helper()
	builder := client.NewTensorBatchBuilder(memory.NewGoAllocator())
	rb, err := builder.Build([]*tensor.Tensor{src})
	require.NoError(t, err)
	defer rb.Release()

	var body bytes.Buffer
	writer := ipc.NewWriter(&body, ipc.WithSchema(rb.Schema()))
	require.NoError(t, writer.Write(rb))
	require.NoError(t, writer.Close())

	req, err := http.NewRequest("POST", target, &body)
	require.NoError(t, err)
	return req
}

func TestServer_ConvertArrow_OversizedBatch(t *testing.T) {
	registry := convert.NewRegistry(device.NewCPUBackend())
	srv := NewServer(registry, nil, "", 16)

	src := tensor.Synthetic(tensor.Float32, []int{2, 3, 5}, 5)
	rr := httptest.NewRecorder()
	srv.handleConvertArrow(rr, arrowStreamRequest(t, src, "/convert/arrow?op=NCHW2NHWC"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestServer_ConvertArrow_BusyIsNotSuccess(t *testing.T) {
	registry := convert.NewRegistry(device.NewCPUBackend())
	srv := NewServer(registry, nil, "", 64)

	// Hold the whole admission budget so the handler's acquire can only
	// fail once the request context expires.
	require.NoError(t, srv.sem.Acquire(context.Background(), 64))
	defer srv.sem.Release(64)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	src := tensor.Synthetic(tensor.Float32, []int{2, 3, 5}, 5)
	req := arrowStreamRequest(t, src, "/convert/arrow?op=NCHW2NHWC").WithContext(ctx)

	rr := httptest.NewRecorder()
	srv.handleConvertArrow(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestParseDims(t *testing.T) {
	dims, err := parseDims("2,3,4,5")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 5}, dims)

	dims, err = parseDims(" 1, 2 ,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, dims)

	_, err = parseDims("2,x,4")
	assert.Error(t, err)
}
