package mergequeue

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
)

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

func newHTTPRespWriter(logger *zap.Logger, resp http.ResponseWriter) *httpRespWriter {
	return &httpRespWriter{
		ResponseWriter: resp,
		logger:         logger,
	}
}

// WriteStr writes a string to the http response write.
// If an error happens, it is logged with info priority and false is returned.
// If it succeeded true is returned.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	_, err := rw.ResponseWriter.Write([]byte(str))
	if err != nil {
		rw.logger.Info(
			"sending http response failed",
			logfields.Event("http_response_failed"),
			zap.Error(err),
		)
		return false
	}

	return true
}

// HTTPHandlerList responds with the description of all merge queues.
// If the "branch" query parameter is set, only the queue of the branch is
// described.
func (d *DispatchService) HTTPHandlerList(respWr http.ResponseWriter, req *http.Request) {
	resp := newHTTPRespWriter(d.logger, respWr)
	resp.Header().Set("Content-Type", "text/plain; charset=utf-8")

	branch := req.URL.Query().Get("branch")
	if branch == "" {
		resp.WriteStr(d.QueuesDescription())
		return
	}

	state, err := d.QueueState(branch)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			resp.WriteHeader(http.StatusNotFound)
			resp.WriteStr(fmt.Sprintf("no merge queue exists for branch %q\n", branch))
			return
		}

		resp.WriteHeader(http.StatusInternalServerError)
		resp.WriteStr(err.Error() + "\n")
		return
	}

	resp.WriteStr(state.Description())
}

// HTTPHandlerHealth responds with the health of all merge queues.
// The status code is 503 if any queue is unhealthy.
func (d *DispatchService) HTTPHandlerHealth(respWr http.ResponseWriter, _ *http.Request) {
	resp := newHTTPRespWriter(d.logger, respWr)
	resp.Header().Set("Content-Type", "text/plain; charset=utf-8")

	health := d.Health()

	branches := make([]string, 0, len(health))
	healthy := true
	for branch, status := range health {
		branches = append(branches, branch)
		if !status.OK {
			healthy = false
		}
	}
	sort.Strings(branches)

	var sb strings.Builder
	for _, branch := range branches {
		fmt.Fprintf(&sb, "%s: %s\n", branch, health[branch])
	}

	if healthy {
		resp.WriteHeader(http.StatusOK)
		resp.WriteStr("ok\n" + sb.String())
		return
	}

	resp.WriteHeader(http.StatusServiceUnavailable)
	resp.WriteStr("unhealthy\n" + sb.String())
}
