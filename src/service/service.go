package service

import (
	"net/http"
	"strings"
	"sync"

	"github.com/project-peak/peak/src/controller"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// Service exposes the controller's tracks and counters over HTTP for the
// dashboard. Presentation itself lives elsewhere; this is read-only JSON.
type Service struct {
	sync.Mutex

	bindAddress string
	controller  *controller.Controller
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, c *controller.Controller, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		controller:  c,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux. In which case, the handlers
// will be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering PEAK API handlers")
	http.HandleFunc("/tracks", s.makeHandler(s.GetTracks))
	http.HandleFunc("/tracks/", s.makeHandler(s.GetTrack))
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/nodes", s.makeHandler(s.GetNodes))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving PEAK API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(w, jh)

	if err := enc.Encode(v); err != nil {
		s.logger.WithError(err).Error("Encoding API response")
	}
}

// GetTracks ...
func (s *Service) GetTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.controller.GetTracks()
	if err != nil {
		s.logger.WithError(err).Error("Retrieving tracks")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, tracks)
}

// GetTrack ...
func (s *Service) GetTrack(w http.ResponseWriter, r *http.Request) {
	param := strings.TrimPrefix(r.URL.Path, "/tracks/")

	track, err := s.controller.GetTrack(param)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving track %s", param)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	s.writeJSON(w, track)
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.controller.GetStats())
}

// GetNodes ...
func (s *Service) GetNodes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.controller.GetNodes())
}
