package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvdecode/internal/decoder"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/tensor"
	"github.com/samcharles93/kvdecode/internal/version"
)

type Server struct {
	dec   *decoder.Decoder
	store *DecodeStore
	log   logger.Logger
	clock func() time.Time
}

func NewServer(dec *decoder.Decoder, store *DecodeStore, log logger.Logger) *Server {
	if store == nil {
		store = NewDecodeStore(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		dec:   dec,
		store: store,
		log:   log.With("component", "api"),
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/kernels", s.handleKernels)
	e.POST("/v1/attention/decode", s.handleDecode)
	e.GET("/v1/attention/decode/:id", s.handleGetDecode)
	e.DELETE("/v1/attention/decode/:id", s.handleDeleteDecode)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Resolve(),
	})
}

func (s *Server) handleKernels(c *echo.Context) error {
	if s.dec == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "decoder not configured", "", "")
	}
	dev := s.dec.Device()
	return writeJSON(c, http.StatusOK, KernelList{
		Object: "list",
		Device: DeviceInfo{
			Name:                string(dev.Name),
			Workers:             dev.Workers,
			SharedMemoryDefault: dev.SharedMemoryDefault,
			SharedMemoryLimit:   dev.SharedMemoryLimit,
			Features:            dev.Features,
		},
		Data: s.dec.Kernels(),
	})
}

func (s *Server) handleDecode(c *echo.Context) error {
	if s.dec == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "decoder not configured", "", "")
	}
	req, err := decodeJSON[DecodeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "", err.Error())
	}
	resp, err := s.decode(c.Request().Context(), &req)
	if err != nil {
		status, errType, param := classify(err)
		s.log.Debug("decode rejected", "status", status, "error", err)
		return writeError(c, status, errType, err.Error(), param, "")
	}
	if req.Store == nil || *req.Store {
		s.store.Put(resp)
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleGetDecode(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("decode result %q not found", id))
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleDeleteDecode(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, fmt.Sprintf("decode result %q not found", id))
	}
	return writeJSON(c, http.StatusOK, DeleteDecodeResp{
		ID:      id,
		Object:  "attention.decode.deleted",
		Deleted: true,
	})
}

func (s *Server) decode(ctx context.Context, req *DecodeRequest) (DecodeResponse, error) {
	dtype := tensor.DTypeF32
	if req.DType != "" {
		dt, err := tensor.ParseDType(req.DType)
		if err != nil || !dt.IsFloat() {
			return DecodeResponse{}, newInvalidRequest("dtype", fmt.Sprintf("unsupported dtype %q", req.DType))
		}
		dtype = dt
	}
	switch dtype {
	case tensor.DTypeF16:
		return decodeAs[tensor.Float16](ctx, s, req)
	case tensor.DTypeBF16:
		return decodeAs[tensor.BFloat16](ctx, s, req)
	default:
		return decodeAs[float32](ctx, s, req)
	}
}

func decodeAs[E tensor.Float](ctx context.Context, s *Server, req *DecodeRequest) (DecodeResponse, error) {
	q, err := payloadTensor[E]("query", req.Query)
	if err != nil {
		return DecodeResponse{}, err
	}
	k, err := payloadTensor[E]("key_cache", req.KeyCache)
	if err != nil {
		return DecodeResponse{}, err
	}
	v, err := payloadTensor[E]("value_cache", req.ValueCache)
	if err != nil {
		return DecodeResponse{}, err
	}
	lens, err := tensor.FromSlice(tensor.CPU, slices.Clone(req.ValidLengths), len(req.ValidLengths))
	if err != nil {
		return DecodeResponse{}, newInvalidRequest("valid_lengths", err.Error())
	}

	scale := float32(1 / math.Sqrt(float64(s.dec.Config().HeadDim())))
	if req.Scale != nil {
		scale = *req.Scale
	}
	in := decoder.Inputs{
		Query:          q,
		KeyCache:       k,
		ValueCache:     v,
		ValidLengths:   lens,
		Scale:          scale,
		GroupsPerBlock: req.GroupsPerBlock,
	}
	var weights *weightCollector
	if req.ReturnWeights {
		weights = newWeightCollector(q.Size(0), q.Size(2))
		in.Observer = weights
	}

	out := tensor.EmptyLike(q)
	stats, err := s.dec.ForwardStats(ctx, in, out)
	if err != nil {
		return DecodeResponse{}, err
	}

	resp := DecodeResponse{
		ID:      newDecodeID(),
		Object:  "attention.decode",
		Created: s.clock().Unix(),
		DType:   tensor.DTypeOf[E]().String(),
		Scale:   scale,
		Output: TensorPayload{
			Shape: out.Shape(),
			Data:  tensor.Widen(out).Values(),
		},
		Stats: DecodeStats{
			Kernel:             stats.Kernel,
			Blocks:             stats.Blocks,
			GroupsPerBlock:     stats.GroupsPerBlock,
			Barriers:           stats.Barriers,
			SharedMemoryBytes:  stats.SharedMemoryBytes,
			SharedMemoryRaised: stats.SharedMemoryRaised,
			Multiquery:         stats.Multiquery,
			DurationMicros:     stats.Duration.Microseconds(),
		},
	}
	if weights != nil {
		resp.Weights = weights.w
	}
	return resp, nil
}

func payloadTensor[E tensor.Float](name string, p TensorPayload) (*tensor.Tensor[E], error) {
	c := tensor.CodecFor[E]()
	data := make([]E, len(p.Data))
	for i, x := range p.Data {
		data[i] = c.Narrow(x)
	}
	t, err := tensor.FromSlice(tensor.CPU, data, p.Shape...)
	if err != nil {
		return nil, newInvalidRequest(name, err.Error())
	}
	return t, nil
}

type weightCollector struct {
	mu sync.Mutex
	w  [][][]float32
}

func newWeightCollector(batch, heads int) *weightCollector {
	w := make([][][]float32, batch)
	for b := range w {
		w[b] = make([][]float32, heads)
	}
	return &weightCollector{w: w}
}

func (c *weightCollector) Weights(batch, head int, w []float32) {
	c.mu.Lock()
	c.w[batch][head] = slices.Clone(w)
	c.mu.Unlock()
}
