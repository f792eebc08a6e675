package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/confab/internal/protocol"
)

type options struct {
	baseURL        string
	sessionID      string
	turns          int
	voice          bool
	toneMS         int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type turnResult struct {
	Text     string
	Reply    string
	Latency  time.Duration
	Degraded bool
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	results, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, results)
	if err := printStages(ctx, os.Stdout, cfg.baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: stage snapshot: %v\n", err)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS, interTurnMS, turnTimeoutMS int

	fs := flag.NewFlagSet("perfchat", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "confab base URL")
	fs.StringVar(&cfg.sessionID, "session-id", "", "session to replay into (default: a fresh one)")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.BoolVar(&cfg.voice, "voice", false, "send synthetic PCM audio on the voice channel instead of text")
	fs.IntVar(&cfg.toneMS, "tone-ms", 800, "length of each synthetic audio turn in milliseconds")
	fs.IntVar(&startDelayMS, "start-delay-ms", 200, "delay before the first turn in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for the assistant reply per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.toneMS < 50 || cfg.toneMS > 30000 {
		return options{}, fmt.Errorf("tone-ms must be in [50,30000]")
	}
	cfg.startDelay = time.Duration(max(startDelayMS, 0)) * time.Millisecond
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(max(turnTimeoutMS, 1000)) * time.Millisecond
	if strings.TrimSpace(cfg.sessionID) == "" {
		cfg.sessionID = uuid.NewString()
	}

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options) ([]turnResult, error) {
	path := "/ws/chat"
	if cfg.voice {
		path = "/ws/voice"
	}
	wsURL, err := wsURLFor(cfg.baseURL, path, cfg.sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("perfchat: session=%s turns=%d voice=%t\n", cfg.sessionID, cfg.turns, cfg.voice)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	replies := make(chan protocol.NewMessageData, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, replies, readErrCh, cfg.verbose)

	tone := synthTone(cfg.toneMS, 16000)
	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		start := time.Now()
		if cfg.voice {
			err = conn.WriteMessage(websocket.BinaryMessage, tone)
		} else {
			err = sendChat(conn, cfg.sessionID, text)
		}
		if err != nil {
			return results, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		reply, err := awaitReply(replies, readErrCh, cfg.turnTimeout)
		if err != nil {
			return results, fmt.Errorf("turn %d await assistant reply: %w", i+1, err)
		}
		res := turnResult{Text: text, Reply: reply.Content, Latency: time.Since(start), Degraded: reply.Degraded}
		results = append(results, res)
		if cfg.verbose {
			fmt.Printf("perfchat: turn %d/%d latency=%s degraded=%t\n", i+1, cfg.turns, res.Latency.Round(time.Millisecond), res.Degraded)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}
	return results, nil
}

func wsURLFor(baseURL, path, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sendChat(conn *websocket.Conn, sessionID, text string) error {
	env, err := protocol.New(protocol.TypeChatMessage, sessionID, map[string]string{"message": text})
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

// readLoop forwards assistant messages. Error frames are printed but do not
// end the replay; the turn timeout covers a reply that never comes.
func readLoop(conn *websocket.Conn, replies chan<- protocol.NewMessageData, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeNewMessage:
			var msg protocol.NewMessageData
			if err := env.DecodeData(&msg); err != nil || msg.Role != "assistant" {
				continue
			}
			select {
			case replies <- msg:
			default:
			}
		case protocol.TypeError:
			if verbose {
				var e protocol.ErrorData
				_ = env.DecodeData(&e)
				fmt.Fprintf(os.Stderr, "perfchat: error code=%s message=%s\n", e.Code, e.Message)
			}
		}
	}
}

func awaitReply(replies <-chan protocol.NewMessageData, readErrCh <-chan error, timeout time.Duration) (protocol.NewMessageData, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-replies:
		return msg, nil
	case err := <-readErrCh:
		return protocol.NewMessageData{}, err
	case <-timer.C:
		return protocol.NewMessageData{}, fmt.Errorf("timeout after %s", timeout)
	}
}

// synthTone returns mono 16-bit little-endian PCM of a 440 Hz tone.
func synthTone(ms, sampleRate int) []byte {
	n := sampleRate * ms / 1000
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

// percentile uses nearest rank over sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank]
}

func printSummary(w io.Writer, results []turnResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "perfchat: no turns completed")
		return
	}
	lat := make([]time.Duration, len(results))
	degraded := 0
	for i, r := range results {
		lat[i] = r.Latency
		if r.Degraded {
			degraded++
		}
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	fmt.Fprintf(w, "perfchat: turns=%d degraded=%d p50=%s p95=%s max=%s\n",
		len(results), degraded,
		percentile(lat, 50).Round(time.Millisecond),
		percentile(lat, 95).Round(time.Millisecond),
		lat[len(lat)-1].Round(time.Millisecond))
}

func printStages(ctx context.Context, w io.Writer, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/perf/stages", nil)
	if err != nil {
		return err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, err = fmt.Fprintf(w, "perfchat: stages %s\n", strings.TrimSpace(string(body)))
	return err
}
