package anacrolixeng

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/chihaya/remora/engine"
	"github.com/chihaya/remora/pkg/log"
)

// NewServer implements engine.Torrent. The returned server exposes the
// swarm's content over HTTP: a JSON file listing at / and ranged file
// downloads at /files/:index.
func (h *handle) NewServer(opts engine.ServerOptions) (engine.Server, error) {
	addr := opts.Addr
	if addr == "" {
		addr = ":0"
	}

	return &contentServer{h: h, addr: addr}, nil
}

type contentServer struct {
	h    *handle
	addr string

	ln  net.Listener
	srv *http.Server
}

var _ engine.Server = &contentServer{}

func (s *contentServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "anacrolixeng: binding content server")
	}
	s.ln = ln

	router := httprouter.New()
	router.GET("/", s.listRoute)
	router.GET("/files/:index", s.fileRoute)

	s.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: time.Second * 60,
	}

	go func() {
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Error("content server failed", log.Err(err), log.Fields{
				"infoHash": s.h.InfoHash(),
			})
		}
	}()

	log.Info("content server listening", log.Fields{
		"addr":     ln.Addr(),
		"infoHash": s.h.InfoHash(),
	})

	return nil
}

func (s *contentServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop tolerates being called before Start bound anything.
func (s *contentServer) Stop() error {
	if s.srv != nil {
		return s.srv.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *contentServer) listRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.h.Describe()); err != nil {
		log.Error("failed to write file listing", log.Err(err))
	}
}

func (s *contentServer) fileRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.h.t.Info() == nil {
		http.Error(w, "metadata not yet resolved", http.StatusServiceUnavailable)
		return
	}

	idx, err := strconv.Atoi(ps.ByName("index"))
	files := s.h.t.Files()
	if err != nil || idx < 0 || idx >= len(files) {
		http.Error(w, "no such file", http.StatusNotFound)
		return
	}

	f := files[idx]
	reader := f.NewReader()
	defer reader.Close()

	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(f.DisplayPath()))
	http.ServeContent(w, r, f.DisplayPath(), time.Time{}, reader)
}
