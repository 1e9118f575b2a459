package marketdata

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/metrics"
)

// CSVSource reads ticks from CSV rows of the form
//
//	instrument_id,price,volume,observed_at
//
// volume may be empty and observed_at is RFC 3339. A header row is skipped.
// Malformed rows are logged and skipped; only reader failures end the stream.
type CSVSource struct {
	c        io.Closer
	r        *csv.Reader
	skipped  int
	sawFirst bool
}

// NewCSVSource reads ticks from r.
func NewCSVSource(r io.Reader) *CSVSource {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	s := &CSVSource{r: cr}
	if c, ok := r.(io.Closer); ok {
		s.c = c
	}
	return s
}

// OpenCSVSource opens a tick file.
func OpenCSVSource(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewCSVSource(f), nil
}

func (s *CSVSource) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

func (s *CSVSource) Next(ctx context.Context) (Tick, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Tick{}, err
		}
		row, err := s.r.Read()
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			s.skip(perr.StartLine, err)
			continue
		}
		if err != nil {
			return Tick{}, err
		}
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if !s.sawFirst {
			s.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "instrument_id") {
				continue
			}
		}
		t, err := parseRow(row)
		if err != nil {
			line, _ := s.r.FieldPos(0)
			s.skip(line, err)
			continue
		}
		return t, nil
	}
}

// Skipped reports how many malformed rows have been dropped.
func (s *CSVSource) Skipped() int { return s.skipped }

func (s *CSVSource) skip(line int, err error) {
	s.skipped++
	metrics.Ticks.WithLabelValues("malformed").Inc()
	slog.Warn("skipping malformed tick row", "line", line, "err", err)
}

func parseRow(row []string) (Tick, error) {
	if len(row) != 4 {
		return Tick{}, fmt.Errorf("expected 4 columns, got %d", len(row))
	}
	price, err := decimal.NewFromString(strings.TrimSpace(row[1]))
	if err != nil {
		return Tick{}, fmt.Errorf("price: %w", err)
	}
	t := Tick{InstrumentID: strings.TrimSpace(row[0]), Price: price}
	if v := strings.TrimSpace(row[2]); v != "" {
		vol, err := decimal.NewFromString(v)
		if err != nil {
			return Tick{}, fmt.Errorf("volume: %w", err)
		}
		t.Volume = &vol
	}
	t.ObservedAt, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(row[3]))
	if err != nil {
		return Tick{}, fmt.Errorf("observed_at: %w", err)
	}
	return t, nil
}

// WSSource reads JSON ticks from a WebSocket feed, one tick per text
// message.
type WSSource struct {
	conn *websocket.Conn
}

// DialWSSource connects to a tick feed.
func DialWSSource(ctx context.Context, url string) (*WSSource, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial tick feed: %w", err)
	}
	return &WSSource{conn: conn}, nil
}

func (s *WSSource) Close() error {
	return s.conn.Close()
}

// Next blocks for the next tick. Malformed messages are logged and skipped.
// A normal close from the feed returns io.EOF. Cancelling ctx closes the
// connection.
func (s *WSSource) Next(ctx context.Context) (Tick, error) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Tick{}, io.EOF
			}
			return Tick{}, err
		}
		var t Tick
		if err := json.Unmarshal(data, &t); err != nil {
			metrics.Ticks.WithLabelValues("malformed").Inc()
			slog.Warn("skipping malformed tick message", "err", err)
			continue
		}
		return t, nil
	}
}
