package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"packsmith/internal/orchestrator"
	"packsmith/internal/progress"
	"packsmith/internal/quota"
	"packsmith/internal/store"
	"packsmith/internal/tags"
	"packsmith/internal/types"
)

// maxBodyBytes caps request bodies. Crash logs are the largest legitimate
// payload and sanitization truncates them far below this.
const maxBodyBytes = 4 << 20

// =============================================================================
// ASSEMBLY
// =============================================================================

type buildBoardRequest struct {
	Prompt           string   `json:"prompt"`
	MCVersion        string   `json:"mc_version"`
	ModLoader        string   `json:"mod_loader"`
	MaxMods          int      `json:"max_mods"`
	CurrentMods      []string `json:"current_mods,omitempty"`
	ProjectID        string   `json:"project_id,omitempty"`
	FabricCompatMode bool     `json:"fabric_compat_mode,omitempty"`
	UseArchitecture  *bool    `json:"use_v3_architecture,omitempty"`
}

func (s *Server) handleBuildBoard(w http.ResponseWriter, r *http.Request) {
	s.serveBuild(w, r, s.engine.Assemble)
}

// handleLegacyBuild serves the pre-model build path. Same wire shape, no model
// calls: every stage takes its heuristic fallback.
func (s *Server) handleLegacyBuild(w http.ResponseWriter, r *http.Request) {
	s.serveBuild(w, r, s.engine.LegacyAssemble)
}

func (s *Server) serveBuild(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, req orchestrator.AssembleRequest, adm *quota.Admission, stream *progress.Stream)) {
	var body buildBoardRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Prompt == "" {
		s.writeError(w, types.NewError(types.CodeInvalidRequest, "prompt is required"))
		return
	}

	// Quota is settled before the SSE upgrade so rejections stay plain HTTP.
	adm, err := s.engine.Admit(r.Context(), userID(r), body.MaxMods)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := orchestrator.AssembleRequest{
		UserID:           userID(r),
		Prompt:           body.Prompt,
		MCVersion:        body.MCVersion,
		ModLoader:        body.ModLoader,
		MaxMods:          adm.MaxMods,
		CurrentMods:      body.CurrentMods,
		ProjectID:        body.ProjectID,
		FabricCompatMode: body.FabricCompatMode,
		UseArchitecture:  body.UseArchitecture,
	}
	s.serveStream(w, r, func(stream *progress.Stream) {
		run(r.Context(), req, adm, stream)
	})
}

// =============================================================================
// CRASH DOCTOR
// =============================================================================

type crashRequest struct {
	CrashLog   string            `json:"crash_log"`
	GameLog    string            `json:"game_log,omitempty"`
	MCVersion  string            `json:"mc_version"`
	ModLoader  string            `json:"mod_loader"`
	BoardState *types.BoardState `json:"board_state,omitempty"`
}

func (s *Server) handleCrashDoctor(w http.ResponseWriter, r *http.Request) {
	var body crashRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.CrashLog == "" {
		s.writeError(w, types.NewError(types.CodeInvalidRequest, "crash_log is required"))
		return
	}

	adm, err := s.engine.Admit(r.Context(), userID(r), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := orchestrator.CrashRequest{
		UserID:    userID(r),
		CrashLog:  body.CrashLog,
		GameLog:   body.GameLog,
		MCVersion: body.MCVersion,
		ModLoader: body.ModLoader,
		Board:     body.BoardState,
	}
	s.serveStream(w, r, func(stream *progress.Stream) {
		s.engine.CrashDoctor(r.Context(), req, adm, stream)
	})
}

// =============================================================================
// AUTO-SORT
// =============================================================================

type autoSortRequest struct {
	Mods          []orchestrator.SortMod `json:"mods"`
	Creativity    int                    `json:"creativity,omitempty"`
	MaxCategories int                    `json:"max_categories,omitempty"`
}

func (s *Server) handleAutoSort(w http.ResponseWriter, r *http.Request) {
	var body autoSortRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Mods) == 0 {
		s.writeError(w, types.NewError(types.CodeInvalidRequest, "mods list is empty"))
		return
	}

	adm, err := s.engine.Admit(r.Context(), userID(r), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.engine.AutoSort(r.Context(), orchestrator.SortRequest{
		UserID:        userID(r),
		Mods:          body.Mods,
		Creativity:    body.Creativity,
		MaxCategories: body.MaxCategories,
	}, adm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// TAGS AND FEEDBACK
// =============================================================================

// modTagsRequest serves two shapes: source_ids/slugs look up stored tags,
// mods submits uncataloged mods for model tag assignment.
type modTagsRequest struct {
	SourceIDs []string            `json:"source_ids,omitempty"`
	Slugs     []string            `json:"slugs,omitempty"`
	Mods      []tags.TagCandidate `json:"mods,omitempty"`
}

func (s *Server) handleModTags(w http.ResponseWriter, r *http.Request) {
	var body modTagsRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	if len(body.Mods) > 0 {
		result, err := s.tagger.Assign(r.Context(), body.Mods)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	if len(body.SourceIDs) == 0 && len(body.Slugs) == 0 {
		s.writeError(w, types.NewError(types.CodeInvalidRequest, "source_ids, slugs, or mods is required"))
		return
	}

	var (
		tagsByKey map[string]tags.ModTags
		err       error
	)
	if len(body.SourceIDs) > 0 {
		tagsByKey, err = s.tags.ForIDs(r.Context(), body.SourceIDs)
	} else {
		tagsByKey, err = s.tags.ForSlugs(r.Context(), body.Slugs)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tags": tagsByKey})
}

type feedbackRequest struct {
	BuildID string                 `json:"build_id"`
	Rating  int                    `json:"rating"`
	Comment string                 `json:"comment,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (s *Server) handleFeedback(kind store.FeedbackKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body feedbackRequest
		if err := decode(w, r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		if body.BuildID == "" {
			s.writeError(w, types.NewError(types.CodeInvalidRequest, "build_id is required"))
			return
		}
		if body.Rating < 1 || body.Rating > 5 {
			s.writeError(w, types.NewError(types.CodeInvalidRequest, "rating must be between 1 and 5"))
			return
		}

		err := s.feedback.RecordFeedback(r.Context(), &store.Feedback{
			BuildID: body.BuildID,
			Kind:    kind,
			UserID:  userID(r),
			Rating:  body.Rating,
			Comment: body.Comment,
			Payload: body.Payload,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// =============================================================================
// HEALTH AND PLUMBING
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveStream runs the pipeline in its own goroutine and relays its progress
// stream as SSE. Client disconnect cancels the request context, which the
// pipeline observes through its stage deadlines.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, run func(*progress.Stream)) {
	stream := progress.NewStream(0)
	go run(stream)
	terminal, err := progress.ServeSSE(r.Context(), w, stream)
	if err != nil {
		s.log.Warn("sse stream aborted", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}
	if terminal != nil && terminal.Terminal() {
		s.log.Debug("sse stream finished", zap.String("path", r.URL.Path), zap.String("event", string(terminal.Type)))
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return types.WrapError(types.CodeInvalidRequest, err, "malformed request body")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

// writeError maps an error chain to the wire shape {error, message}.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	message := err.Error()
	var apiErr *types.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message
	}
	s.writeJSON(w, code.HTTPStatus(), map[string]string{
		"error":   string(code),
		"message": message,
	})
}
