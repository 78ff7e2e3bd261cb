package web

import (
	"fmt"
	"net/http"
)

// handleCatchAll implements "GET / and unknown paths" (§6): a 302 to
// the setup page while in AP_MODE, else a plain status page (this
// surface has no dashboard template of its own — the REST/WS API is
// the dashboard's data source).
func (s *Server) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	if s.inAPMode() {
		http.Redirect(w, r, s.setupURL(), http.StatusFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Get().APIView())
}

func (s *Server) setupURL() string {
	return fmt.Sprintf("http://%s:%d/", s.apIP, s.webPort)
}

// probeResponse is the OS-expected payload for a captive-portal probe
// endpoint outside AP_MODE (§4.G supplement, ported from
// web_server.py's route table).
type probeResponse struct {
	status int
	body   string
}

var probeResponses = map[string]probeResponse{
	"/generate_204":                   {http.StatusNoContent, ""},
	"/gen_204":                        {http.StatusNoContent, ""},
	"/hotspot-detect.html":            {http.StatusOK, "Success"},
	"/library/test/success.html":      {http.StatusOK, "Success"},
	"/ncsi.txt":                       {http.StatusOK, "Microsoft NCSI"},
	"/connecttest.txt":                {http.StatusOK, "Microsoft NCSI"},
	"/success.txt":                    {http.StatusOK, "success"},
}

// handleCaptiveProbe implements the captive-portal probe endpoints
// (§6): a 302 to the setup page in AP_MODE, the OS-expected success
// payload otherwise.
func (s *Server) handleCaptiveProbe(w http.ResponseWriter, r *http.Request) {
	if s.inAPMode() {
		http.Redirect(w, r, s.setupURL(), http.StatusFound)
		return
	}
	resp, ok := probeResponses[r.URL.Path]
	if !ok {
		resp = probeResponse{http.StatusOK, ""}
	}
	if resp.body == "" {
		w.WriteHeader(resp.status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(resp.status)
	fmt.Fprint(w, resp.body)
}
