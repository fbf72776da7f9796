package server

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/dgnsrekt/audiovault/internal/queue"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"golang.org/x/sync/errgroup"
)

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Synth == nil {
		s.writeError(w, r, badRequest("synthesis is not enabled on this node"))
		return
	}
	var req ttypes.SynthesisRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := queue.WithPriority(r.Context(), ttypes.PriorityInteractive)
	asset, err := s.deps.Synth.GetOrSynthesize(ctx, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if asset.Hit {
		status = http.StatusOK
	}
	writeData(w, r, status, asset)
}

// BulkItem is a successful entry of a bulk preview.
type BulkItem struct {
	Index   int                `json:"index"`
	Asset   ttypes.CachedAsset `json:"asset"`
	Preview string             `json:"preview"`
}

// BulkError is a failed entry of a bulk preview.
type BulkError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BulkResult reports a bulk preview. Partial success is a normal outcome.
type BulkResult struct {
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Total     int         `json:"total"`
	Items     []BulkItem  `json:"items"`
	Errors    []BulkError `json:"errors"`
}

// handleBulkPreview synthesizes up to MaxBulkItems requests and cuts a
// short preview of each. One failing item never affects the others.
func (s *Server) handleBulkPreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Synth == nil || s.cfg.PreviewDir == "" {
		s.writeError(w, r, badRequest("previews are not enabled on this node"))
		return
	}
	var reqs []ttypes.SynthesisRequest
	if err := decode(r, &reqs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(reqs) == 0 {
		s.writeError(w, r, badRequest("at least one item is required"))
		return
	}
	if len(reqs) > MaxBulkItems {
		s.writeError(w, r, badRequest("at most %d items per request, got %d", MaxBulkItems, len(reqs)))
		return
	}
	seconds := s.cfg.PreviewSeconds
	if v := r.URL.Query().Get("seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, badRequest("seconds must be a positive integer"))
			return
		}
		seconds = n
	}

	res := s.bulkPreview(r, reqs, float64(seconds))
	writeData(w, r, http.StatusOK, res)
}

func (s *Server) bulkPreview(r *http.Request, reqs []ttypes.SynthesisRequest, seconds float64) BulkResult {
	ctx := queue.WithPriority(r.Context(), ttypes.PriorityBulk)

	type outcome struct {
		item *BulkItem
		err  error
	}
	outcomes := make([]outcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(s.cfg.BulkConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			asset, err := s.deps.Synth.GetOrSynthesize(ctx, req)
			if err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			path, err := s.deps.Synth.Preview(ctx, asset, seconds, s.cfg.PreviewDir)
			if err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			outcomes[i] = outcome{item: &BulkItem{Index: i, Asset: asset, Preview: filepath.Base(path)}}
			return nil
		})
	}
	_ = g.Wait()

	res := BulkResult{Total: len(reqs), Items: []BulkItem{}, Errors: []BulkError{}}
	for i, o := range outcomes {
		if o.err != nil {
			status, code, msg := classify(o.err)
			if status >= 500 {
				s.logger.Warn("bulk preview item failed", "index", i, "err", o.err)
			}
			res.Failed++
			res.Errors = append(res.Errors, BulkError{Index: i, Code: code, Message: msg})
			continue
		}
		res.Completed++
		res.Items = append(res.Items, *o.item)
	}
	s.logger.Info("bulk preview done", "total", res.Total, "completed", res.Completed, "failed", res.Failed)
	return res
}
