// main.go
package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/quic-go/quic-go/http3"

	"github.com/guni1192/droprelay/pkg/capsule"
)

// DefaultChunkSize is the relay chunk size used by send.
const DefaultChunkSize = 1 << 20

// 環境変数から取得、なければデフォルト (ローカル用)
var RelayURL = getEnv("RELAY_URL", "http://127.0.0.1:3000")

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[agent] ")

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "receive":
		err = runReceive(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  agent send [-relay URL] FILE\n  agent receive [-relay URL] [-o DIR] [-h3 URL] CODE\n")
	os.Exit(2)
}

type fileInfo struct {
	Code string `json:"pickupCode"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type,omitempty"`
	Mode string `json:"mode"`
}

type codeMessage struct {
	Code string `json:"pickupCode"`
}

type errorMessage struct {
	Message    string  `json:"message"`
	ChunkIndex *uint64 `json:"chunkIndex,omitempty"`
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	relay := fs.String("relay", RelayURL, "relay base URL")
	chunkSize := fs.Int("chunk", DefaultChunkSize, "chunk size in bytes")
	fs.Parse(args)
	if fs.NArg() != 1 || *chunkSize <= 0 {
		usage()
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	c, err := dial(*relay)
	if err != nil {
		return err
	}
	defer c.close()

	resp, err := c.request("create-session", struct{}{})
	if err != nil {
		return err
	}
	code := resp.Code
	log.Printf("Pickup code: %s", code)
	fmt.Println(code)

	info := fileInfo{
		Code: code,
		Name: filepath.Base(st.Name()),
		Size: st.Size(),
		Type: mime.TypeByExtension(filepath.Ext(st.Name())),
		Mode: "relay",
	}
	if err := c.send("file-info", "", info); err != nil {
		return err
	}

	up := &uploader{
		client:    c,
		file:      f,
		code:      code,
		size:      st.Size(),
		chunkSize: int64(*chunkSize),
	}
	return up.run()
}

// uploader streams one file with at most one unacknowledged chunk.
type uploader struct {
	client    *relayClient
	file      *os.File
	code      string
	size      int64
	chunkSize int64

	total     uint64
	next      uint64
	streaming bool
	buf       []byte
}

func (u *uploader) run() error {
	u.total = uint64((u.size + u.chunkSize - 1) / u.chunkSize)
	if u.total == 0 {
		u.total = 1
	}
	u.buf = make([]byte, u.chunkSize)

	for env := range u.client.events {
		switch env.Event {
		case "receiver-connected":
			log.Printf("Receiver connected, waiting for download to start")

		case "start-transfer":
			// 受信側が再接続した場合は先頭から送り直す
			log.Printf("Transfer started (%d chunks)", u.total)
			u.next = 0
			u.streaming = true
			if err := u.sendChunk(); err != nil {
				return err
			}

		case "chunk-ack":
			var ack struct {
				Index uint64 `json:"chunkIndex"`
			}
			if err := json.Unmarshal(env.Data, &ack); err != nil {
				return err
			}
			if !u.streaming || ack.Index+1 != u.next {
				continue
			}
			if u.next < u.total {
				if err := u.sendChunk(); err != nil {
					return err
				}
			}

		case "chunk-error":
			var msg errorMessage
			json.Unmarshal(env.Data, &msg)
			return fmt.Errorf("chunk rejected: %s", msg.Message)

		case "receiver-disconnected":
			log.Printf("Receiver disconnected, waiting for it to reconnect")
			u.streaming = false

		case "transfer-progress":
			var p struct {
				Progress float64 `json:"progress"`
				Speed    float64 `json:"speed"`
			}
			if json.Unmarshal(env.Data, &p) == nil {
				log.Printf("Progress %.1f%% (%.0f B/s)", p.Progress, p.Speed)
			}

		case "transfer-complete":
			log.Printf("Transfer complete")
			return nil

		case "connection-lost", "error":
			var msg errorMessage
			json.Unmarshal(env.Data, &msg)
			return fmt.Errorf("%s: %s", env.Event, msg.Message)
		}
	}
	return u.client.closedErr()
}

func (u *uploader) sendChunk() error {
	idx := u.next
	n, err := u.file.ReadAt(u.buf, int64(idx)*u.chunkSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read chunk %d: %w", idx, err)
	}

	frame := &capsule.ChunkFrame{
		Code:   u.code,
		Index:  idx,
		Total:  u.total,
		IsLast: idx == u.total-1,
		Data:   u.buf[:n],
	}
	if err := u.client.sendChunk(frame); err != nil {
		return fmt.Errorf("send chunk %d: %w", idx, err)
	}
	u.next++
	return nil
}

func runReceive(args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	relay := fs.String("relay", RelayURL, "relay base URL")
	outDir := fs.String("o", ".", "output directory")
	h3URL := fs.String("h3", "", "download over HTTP/3 from this base URL (e.g. https://127.0.0.1:4433)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
	}
	code := strings.ToUpper(fs.Arg(0))

	c, err := dial(*relay)
	if err != nil {
		return err
	}
	defer c.close()

	if _, err := c.request("join-session", codeMessage{Code: code}); err != nil {
		return err
	}

	info, err := waitFileInfo(c)
	if err != nil {
		return err
	}
	if info.Mode != "relay" {
		return fmt.Errorf("unsupported transfer mode %q", info.Mode)
	}
	log.Printf("Receiving %s (%d bytes)", info.Name, info.Size)

	if err := c.send("accept-transfer", "", codeMessage{Code: code}); err != nil {
		return err
	}

	base := *relay
	client := http.DefaultClient
	if *h3URL != "" {
		tr := &http3.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: getEnv("INSECURE_SKIP_VERIFY", "false") == "true"},
		}
		defer tr.Close()
		client = &http.Client{Transport: tr}
		base = *h3URL
	}

	n, err := download(client, strings.TrimSuffix(base, "/")+"/api/download/"+url.PathEscape(code), filepath.Join(*outDir, filepath.Base(info.Name)))
	if err != nil {
		return err
	}
	if n != info.Size {
		return fmt.Errorf("received %d bytes, expected %d", n, info.Size)
	}

	if err := c.send("download-complete", "", codeMessage{Code: code}); err != nil {
		return err
	}
	log.Printf("Saved %s (%d bytes)", info.Name, n)
	return nil
}

func waitFileInfo(c *relayClient) (fileInfo, error) {
	for env := range c.events {
		switch env.Event {
		case "file-info":
			var info fileInfo
			err := json.Unmarshal(env.Data, &info)
			return info, err
		case "connection-lost", "error":
			var msg errorMessage
			json.Unmarshal(env.Data, &msg)
			return fileInfo{}, fmt.Errorf("%s: %s", env.Event, msg.Message)
		}
	}
	return fileInfo{}, c.closedErr()
}

func download(client *http.Client, target, path string) (int64, error) {
	resp, err := client.Get(target)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download: %s", resp.Status)
	}

	out, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
