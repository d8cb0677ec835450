package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/report"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type apiServer struct {
	runtime *Runtime
}

type weeklyResponse struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Weeks       []string             `json:"weeks"`
	Rows        []activity.WeeklyRow `json:"rows"`
}

type developersResponse struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Developers  []activity.DeveloperSummary `json:"developers"`
}

type developerResponse struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Summary     activity.DeveloperSummary `json:"summary"`
	Weekly      []activity.WeeklyRow      `json:"weekly"`
}

type projectsResponse struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Projects    []activity.ProjectSummary `json:"projects"`
	Branches    []activity.BranchSummary  `json:"branches"`
}

type syncResponse struct {
	Success bool        `json:"success"`
	Run     CycleResult `json:"run"`
	Error   string      `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newAPI(runtime *Runtime) http.Handler {
	server := &apiServer{runtime: runtime}
	router := chi.NewRouter()
	router.Get("/weekly", server.weekly)
	router.Get("/developers", server.developers)
	router.Get("/developers/{developer}", server.developer)
	router.Get("/projects", server.projects)
	router.Get("/projects/{project}/trunk", server.projectTrunk)
	router.Post("/sync", server.sync)
	return router
}

// weekly serves weekly rows, optionally narrowed by ?developer= and ?week=YYYY-MM-DD.
func (s *apiServer) weekly(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.latest(w)
	if !ok {
		return
	}

	rows := rep.Weekly
	if developer := strings.TrimSpace(r.URL.Query().Get("developer")); developer != "" {
		rows = lo.Filter(rows, func(row activity.WeeklyRow, _ int) bool {
			return strings.EqualFold(row.Developer, developer)
		})
	}
	if rawWeek := strings.TrimSpace(r.URL.Query().Get("week")); rawWeek != "" {
		week, err := time.Parse(time.DateOnly, rawWeek)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "week must be formatted as YYYY-MM-DD"})
			return
		}
		start := activity.WeekStart(week)
		rows = lo.Filter(rows, func(row activity.WeeklyRow, _ int) bool {
			return row.WeekStart.Equal(start)
		})
	}

	writeJSON(w, http.StatusOK, weeklyResponse{
		GeneratedAt: rep.GeneratedAt,
		Weeks: lo.Map(rep.Weeks, func(week time.Time, _ int) string {
			return week.Format(time.DateOnly)
		}),
		Rows: emptyIfNil(rows),
	})
}

// developers serves the leaderboard, truncated by ?top=N when given.
func (s *apiServer) developers(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.latest(w)
	if !ok {
		return
	}

	developers := rep.Developers
	if rawTop := strings.TrimSpace(r.URL.Query().Get("top")); rawTop != "" {
		top, err := strconv.Atoi(rawTop)
		if err != nil || top <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "top must be a positive integer"})
			return
		}
		developers = developers[:min(top, len(developers))]
	}

	writeJSON(w, http.StatusOK, developersResponse{
		GeneratedAt: rep.GeneratedAt,
		Developers:  emptyIfNil(developers),
	})
}

func (s *apiServer) developer(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.latest(w)
	if !ok {
		return
	}

	name := chi.URLParam(r, "developer")
	summary, weekly, found := rep.Developer(name)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "developer not found: " + name})
		return
	}
	writeJSON(w, http.StatusOK, developerResponse{
		GeneratedAt: rep.GeneratedAt,
		Summary:     summary,
		Weekly:      emptyIfNil(weekly),
	})
}

func (s *apiServer) projects(w http.ResponseWriter, _ *http.Request) {
	rep, ok := s.latest(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, projectsResponse{
		GeneratedAt: rep.GeneratedAt,
		Projects:    emptyIfNil(rep.Projects),
		Branches:    emptyIfNil(rep.Branches),
	})
}

func (s *apiServer) projectTrunk(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.latest(w)
	if !ok {
		return
	}

	project := chi.URLParam(r, "project")
	trunk, found := rep.ProjectTrunk(project)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no trunk commits for project: " + project})
		return
	}
	writeJSON(w, http.StatusOK, trunk)
}

// sync runs one collection cycle synchronously.
func (s *apiServer) sync(w http.ResponseWriter, r *http.Request) {
	result, err := s.runtime.RunCycle(r.Context())
	if errors.Is(err, ErrCycleInProgress) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}

	response := syncResponse{
		Success: err == nil,
		Run:     result,
	}
	if err != nil {
		response.Error = err.Error()
		s.runtime.logger.Warn("api sync finished with errors", zap.String("run_id", result.RunID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *apiServer) latest(w http.ResponseWriter) (report.Report, bool) {
	rep, ok := s.runtime.Latest()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no report available yet"})
		return report.Report{}, false
	}
	return rep, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:gosec // API payloads are server-generated JSON.
	if _, err := w.Write(body); err != nil {
		return
	}
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
