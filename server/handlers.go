package server

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/corpus"
	"github.com/gomlx/go-melody/generation"
	"github.com/gomlx/go-melody/midi"
	"github.com/gomlx/go-melody/timestep"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GenerateRequest is the body of the generation routes. Only Seed is required; it may be empty to
// generate from the delimiter padding alone.
type GenerateRequest struct {
	Seed             string   `json:"seed"`
	NumSteps         *int     `json:"num_steps,omitempty"`
	MaxContextLength *int     `json:"max_context_length,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	RandomSeed       *uint64  `json:"random_seed,omitempty"`
}

// EventJSON is one decoded event of the melody.
type EventJSON struct {
	Symbol   string  `json:"symbol"`
	Duration float64 `json:"duration"`
}

// GenerateResponse is returned by POST /v1/generate. On failure Error is set and Melody holds the
// partial output, if the server keeps it.
type GenerateResponse struct {
	RequestID string      `json:"request_id"`
	SessionID string      `json:"session_id,omitempty"`
	Melody    string      `json:"melody"`
	Events    []EventJSON `json:"events,omitempty"`
	Reason    string      `json:"reason"`
	Steps     int         `json:"steps"`
	Error     string      `json:"error,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"vocab_size": s.generator.Vocabulary().Size(),
	})
}

func (s *Server) vocabulary(c *gin.Context) {
	symbols := s.generator.Vocabulary().Symbols()
	texts := make([]string, len(symbols))
	for ii, symbol := range symbols {
		texts[ii] = symbol.String()
	}
	c.JSON(http.StatusOK, gin.H{"symbols": texts})
}

// parseRequest binds the JSON body to a generation request. It writes the error response and returns
// false on failure.
func (s *Server) parseRequest(c *gin.Context) (generation.Request, bool) {
	var body GenerateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, http.StatusBadRequest, errors.Wrap(err, "invalid request body"), generation.Result{})
		return generation.Request{}, false
	}
	seed, err := corpus.ParseStream(body.Seed)
	if err != nil {
		s.fail(c, http.StatusBadRequest, errors.WithMessage(err, "parsing seed"), generation.Result{})
		return generation.Request{}, false
	}
	req := generation.Request{
		Seed:             seed,
		NumSteps:         s.cfg.NumSteps,
		MaxContextLength: s.cfg.SequenceLength,
		Temperature:      s.cfg.Temperature,
		RandomSeed:       body.RandomSeed,
	}
	if body.NumSteps != nil {
		req.NumSteps = *body.NumSteps
	}
	if body.MaxContextLength != nil {
		req.MaxContextLength = *body.MaxContextLength
	}
	if body.Temperature != nil {
		req.Temperature = *body.Temperature
	}
	if err = req.Validate(); err != nil {
		s.fail(c, http.StatusBadRequest, err, generation.Result{})
		return generation.Request{}, false
	}
	return req, true
}

// run generates the melody, writing the error response on failure.
func (s *Server) run(c *gin.Context, req generation.Request) (generation.Result, bool) {
	result, err := s.generator.Generate(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, api.ErrUnknownSymbol) {
			status = http.StatusBadRequest
		}
		s.fail(c, status, err, result)
		return result, false
	}
	klog.V(1).Infof("request %s: session %s generated %d symbols (%s)", c.GetString(requestIDKey),
		result.SessionID, len(result.Melody), result.Reason)
	return result, true
}

func (s *Server) generate(c *gin.Context) {
	req, ok := s.parseRequest(c)
	if !ok {
		return
	}
	result, ok := s.run(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.response(c, result))
}

func (s *Server) generateMIDI(c *gin.Context) {
	req, ok := s.parseRequest(c)
	if !ok {
		return
	}
	result, ok := s.run(c, req)
	if !ok {
		return
	}
	events, err := timestep.Decode(result.Melody, s.cfg.TimeStep)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err, result)
		return
	}
	options := midi.DefaultOptions()
	options.BPM = s.cfg.BPM
	var buf bytes.Buffer
	if err = midi.Write(&buf, events, options); err != nil {
		s.fail(c, http.StatusInternalServerError, err, result)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+result.SessionID+`.mid"`)
	c.Data(http.StatusOK, "audio/midi", buf.Bytes())
}

func (s *Server) response(c *gin.Context, result generation.Result) GenerateResponse {
	resp := GenerateResponse{
		RequestID: c.GetString(requestIDKey),
		SessionID: result.SessionID,
		Melody:    corpus.FormatStream(result.Melody),
		Reason:    result.Reason.String(),
		Steps:     result.Steps,
	}
	events, err := timestep.Decode(result.Melody, s.cfg.TimeStep)
	if err != nil {
		klog.Warningf("request %s: decoding melody: %+v", resp.RequestID, err)
		return resp
	}
	resp.Events = make([]EventJSON, len(events))
	for ii, event := range events {
		resp.Events[ii] = EventJSON{Symbol: event.Symbol.String(), Duration: event.Duration}
	}
	return resp
}

// fail writes the error response, with whatever partial result is available.
func (s *Server) fail(c *gin.Context, status int, err error, result generation.Result) {
	_ = c.Error(err)
	resp := s.response(c, result)
	resp.Error = err.Error()
	c.AbortWithStatusJSON(status, resp)
}
