package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"keygate/internal/app"
	"keygate/internal/config"
	"keygate/internal/license"
	"keygate/internal/lookup"
	"keygate/internal/services"
	"keygate/internal/websocket"
)

// KeyFlowTestSuite drives the assembled service over HTTP and the event feed
type KeyFlowTestSuite struct {
	suite.Suite
	cfg     *config.Config
	app     *app.Application
	server  *httptest.Server
	cancel  context.CancelFunc
	lookups atomic.Int32
	logger  *slog.Logger
}

func (s *KeyFlowTestSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *KeyFlowTestSuite) SetupTest() {
	dir := s.T().TempDir()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Paths.BaseDir = dir
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.KeysFile = filepath.Join(dir, "data", "keys.json")
	cfg.Paths.WebDir = filepath.Join(dir, "public")
	cfg.Paths.LogsDir = filepath.Join(dir, "logs")
	cfg.Store.SQLitePath = filepath.Join(dir, "data", "keys.db")
	cfg.Lookup.BotToken = "integration"
	cfg.Security.RateLimit.Enabled = false
	s.cfg = cfg

	s.lookups.Store(0)
	s.start()
}

func (s *KeyFlowTestSuite) TearDownTest() {
	s.stop()
}

func (s *KeyFlowTestSuite) start() {
	gateway := lookup.GatewayFunc(func(ctx context.Context, subjectID string) (*lookup.Subject, error) {
		s.lookups.Add(1)
		if subjectID == "404" {
			return nil, lookup.ErrSubjectNotFound
		}
		return &lookup.Subject{DisplayName: "member" + subjectID, Discriminator: "0", RawID: subjectID}, nil
	})

	a, err := app.NewApplication(context.Background(), s.cfg, s.logger, app.WithGateway(gateway))
	s.Require().NoError(err)
	s.app = a

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go a.WebSocketHub.Run(ctx)

	s.server = httptest.NewServer(a.Router)
}

func (s *KeyFlowTestSuite) stop() {
	if s.server != nil {
		s.server.Close()
		s.server = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.app != nil {
		s.Require().NoError(s.app.Stop(context.Background()))
		s.app = nil
	}
}

func (s *KeyFlowTestSuite) post(path, body string) (int, map[string]interface{}) {
	resp, err := s.server.Client().Post(s.server.URL+path, "application/json", strings.NewReader(body))
	s.Require().NoError(err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (s *KeyFlowTestSuite) issue(class string) string {
	status, body := s.post("/api/generate-key", `{"duration":"`+class+`"}`)
	s.Require().Equal(http.StatusOK, status, body)
	return body["key"].(string)
}

func (s *KeyFlowTestSuite) scan(subjectID, key string) (int, map[string]interface{}) {
	return s.post("/api/scan", fmt.Sprintf(`{"subject_id":%q,"key":%q}`, subjectID, key))
}

func (s *KeyFlowTestSuite) dialFeed() *gorilla.Conn {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + config.WebSocketEndpoint
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)

	first := s.readEvent(conn)
	s.Require().Equal(websocket.TypeConnection, first.Type)
	return conn
}

func (s *KeyFlowTestSuite) readEvent(conn *gorilla.Conn) websocket.Event {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	var ev websocket.Event
	s.Require().NoError(conn.ReadJSON(&ev))
	return ev
}

// TestLifecycleEvents follows a booster key from issuance to exhaustion on
// the event feed
func (s *KeyFlowTestSuite) TestLifecycleEvents() {
	conn := s.dialFeed()
	defer conn.Close()

	key := s.issue(license.ClassBooster)
	issued := s.readEvent(conn)
	s.Equal(services.EventKeyIssued, issued.Type)
	s.Equal(license.MaskKey(key), issued.Data.(map[string]interface{})["key"])

	status, _ := s.post("/api/activate-key", `{"key":"`+key+`"}`)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(services.EventKeyActivated, s.readEvent(conn).Type)

	for i := 0; i < license.BoosterScanCap; i++ {
		status, _ := s.scan("80351110224678912", key)
		s.Require().Equal(http.StatusOK, status)
		ev := s.readEvent(conn)
		s.Equal(services.EventScanCompleted, ev.Type)
		s.Equal(true, ev.Data.(map[string]interface{})["secondary_flagged"])
	}

	status, body := s.scan("80351110224678912", key)
	s.Equal(http.StatusForbidden, status)
	s.Equal(true, body["limit_reached"])
	s.Equal(services.EventKeyExhausted, s.readEvent(conn).Type)
}

// TestLookupNotFoundDoesNotCharge checks that a failed lookup leaves usage alone
func (s *KeyFlowTestSuite) TestLookupNotFoundDoesNotCharge() {
	key := s.issue(license.ClassBooster)

	status, body := s.scan("404", key)
	s.Equal(http.StatusNotFound, status)
	s.Equal(license.ErrCodeLookupFailed, body["code"])

	_, body = s.post("/api/activate-key", `{"key":"`+key+`"}`)
	s.Equal(float64(license.BoosterScanCap), body["remaining"])
}

// TestConcurrentScansOnLastUnit races many scans for the final unit
func (s *KeyFlowTestSuite) TestConcurrentScansOnLastUnit() {
	key := s.issue(license.ClassBooster)
	for i := 0; i < license.BoosterScanCap-1; i++ {
		status, _ := s.scan("1", key)
		s.Require().Equal(http.StatusOK, status)
	}

	const racers = 20
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := s.scan("1", key)
			switch status {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusForbidden:
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), ok.Load())
	s.Equal(int32(racers-1), rejected.Load())

	summary, err := s.app.KeyService.GetKey(context.Background(), key)
	s.Require().NoError(err)
	s.Equal(license.BoosterScanCap, summary.UsageCount)
}

// TestRestartKeepsUsage reloads the service from each store driver
func (s *KeyFlowTestSuite) TestRestartKeepsUsage() {
	for _, driver := range []string{config.StoreDriverJSON, config.StoreDriverSQLite} {
		s.Run(driver, func() {
			s.stop()
			s.cfg.Store.Driver = driver
			s.start()

			booster := s.issue(license.ClassBooster)
			lifetime := s.issue(license.ClassLifetime)
			for i := 0; i < 3; i++ {
				status, _ := s.scan("2", booster)
				s.Require().Equal(http.StatusOK, status)
			}

			s.stop()
			s.start()

			_, body := s.post("/api/activate-key", `{"key":"`+booster+`"}`)
			s.Equal(float64(7), body["remaining"])

			_, body = s.post("/api/activate-key", `{"key":"`+lifetime+`"}`)
			s.Equal(true, body["unlimited"])
			s.Equal(float64(license.Unlimited), body["remaining"])
		})
	}
}

func TestKeyFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration suite in short mode")
	}
	suite.Run(t, new(KeyFlowTestSuite))
}
