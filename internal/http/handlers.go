package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/forged/internal/artifact"
	"github.com/fyrsmithlabs/forged/internal/run"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

func (s *Server) handleCreateWorkspace(c echo.Context) error {
	var req v1.CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ws, err := s.workspaces.Create(c.Request().Context(), req.Name, req.Spec)
	if err != nil {
		return err
	}

	_, version, err := s.specs.Get(c.Request().Context(), ws.ID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, v1.WorkspaceResponse{
		ID:          ws.ID,
		Name:        ws.Name,
		SpecVersion: version,
		CreatedAt:   ws.CreatedAt,
	})
}

func (s *Server) handleGetWorkspace(c echo.Context) error {
	ws, err := s.workspaces.Get(c.Request().Context(), c.Param("workspace"))
	if err != nil {
		return err
	}

	_, version, err := s.specs.Get(c.Request().Context(), ws.ID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, v1.WorkspaceResponse{
		ID:          ws.ID,
		Name:        ws.Name,
		SpecVersion: version,
		CreatedAt:   ws.CreatedAt,
	})
}

func (s *Server) handleGetSpec(c echo.Context) error {
	doc, version, err := s.specs.Get(c.Request().Context(), c.Param("workspace"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v1.SpecResponse{Document: doc, Version: version})
}

func (s *Server) handleReplaceSpec(c echo.Context) error {
	var req v1.ReplaceSpecRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	version, err := s.specs.Replace(c.Request().Context(), c.Param("workspace"), req.Document, req.ExpectedVersion, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v1.WriteSpecResponse{Version: version})
}

func (s *Server) handlePatchSpec(c echo.Context) error {
	var req v1.PatchSpecRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	version, err := s.specs.Patch(c.Request().Context(), c.Param("workspace"), req.Ops, req.ExpectedVersion, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v1.WriteSpecResponse{Version: version})
}

func (s *Server) handleSpecHistory(c echo.Context) error {
	entries, err := s.specs.History(c.Request().Context(), c.Param("workspace"))
	if err != nil {
		return err
	}

	includeSnapshots := c.QueryParam("snapshots") == "true"
	out := make([]v1.HistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp := v1.HistoryEntryResponse{Version: e.Version, Notes: e.Notes, At: e.At}
		if includeSnapshots {
			resp.Snapshot = e.Snapshot
		}
		out = append(out, resp)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRollbackSpec(c echo.Context) error {
	var req v1.RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	version, err := s.specs.Rollback(c.Request().Context(), c.Param("workspace"), req.TargetVersion, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v1.WriteSpecResponse{Version: version})
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req v1.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	r, err := s.runs.Start(c.Request().Context(), c.Param("workspace"), req.Prompt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, runResponse(r))
}

func (s *Server) handleGetRun(c echo.Context) error {
	r, err := s.runs.Get(c.Request().Context(), c.Param("run"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runResponse(r))
}

func (s *Server) handleCancelRun(c echo.Context) error {
	if err := s.runs.Cancel(c.Request().Context(), c.Param("run")); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleApprove(c echo.Context) error {
	var req v1.ApproveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	applied, err := s.runs.Approve(c.Request().Context(), c.Param("run"), req.ModifiedOps)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v1.ApproveResponse{AppliedVersion: applied})
}

func (s *Server) handleReject(c echo.Context) error {
	var req v1.RejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.runs.Reject(c.Request().Context(), c.Param("run"), req.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleProvideInput(c echo.Context) error {
	var req v1.ProvideInputRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input field is required")
	}

	if err := s.runs.ProvideInput(c.Request().Context(), c.Param("run"), req.Input); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePendingSelections(c echo.Context) error {
	pending := s.runs.PendingSelections(c.Param("run"))
	out := make([]v1.PendingSelectionResponse, 0, len(pending))
	for _, e := range pending {
		out = append(out, v1.PendingSelectionResponse{Entity: e.Entity, Candidates: len(e.Candidates)})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSelect(c echo.Context) error {
	var req v1.SelectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.runs.Select(c.Request().Context(), c.Param("run"), c.Param("entity"), req.Index); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRegenerate(c echo.Context) error {
	candidates, err := s.runs.Regenerate(c.Request().Context(), c.Param("run"), c.Param("entity"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v1.PendingSelectionResponse{
		Entity:     c.Param("entity"),
		Candidates: len(candidates),
	})
}

func (s *Server) handleEventHistory(c echo.Context) error {
	fromSeq, err := parseFromSeq(c.QueryParam("from"))
	if err != nil {
		return err
	}

	events, err := s.bus.History(c.Request().Context(), c.Param("run"), fromSeq)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleListArtifacts(c echo.Context) error {
	if s.artifacts == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "artifact storage is not configured")
	}

	artifacts, err := s.artifacts.List(c.Request().Context(), c.Param("run"))
	if err != nil {
		return err
	}

	out := make([]v1.ArtifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, artifactResponse(a))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetArtifact(c echo.Context) error {
	if s.artifacts == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "artifact storage is not configured")
	}

	a, err := s.artifacts.Get(c.Request().Context(), c.Param("run"), c.Param("artifact"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, artifactResponse(a))
}

func (s *Server) handleArtifactContent(c echo.Context) error {
	if s.artifacts == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "artifact storage is not configured")
	}

	rc, a, err := s.artifacts.DownloadHandle(c.Request().Context(), c.Param("run"), c.Param("artifact"))
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+a.Name+`"`)
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, rc)
}

func parseFromSeq(raw string) (uint64, error) {
	if raw == "" {
		return 1, nil
	}
	fromSeq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "from must be a non-negative integer")
	}
	return fromSeq, nil
}

func runResponse(r *run.Run) v1.RunResponse {
	return v1.RunResponse{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		Status:      r.Status,
		Progress:    r.Progress,
		Log:         r.Log,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
	}
}

func artifactResponse(a *artifact.Artifact) v1.ArtifactResponse {
	return v1.ArtifactResponse{
		ID:        a.ID,
		RunID:     a.RunID,
		Name:      a.Name,
		Size:      a.Size,
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt,
	}
}
