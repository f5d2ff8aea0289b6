package exchange

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/pingsync/internal/checksum"
	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newLedger(t *testing.T, root string) *ledger.Ledger {
	t.Helper()
	led, err := ledger.New(root, checksum.SHA512)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return led
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// connect returns both ends of an in-memory connection
func connect(t *testing.T) (client, server *protocol.Conn) {
	t.Helper()
	a, b := net.Pipe()
	client = protocol.NewConn(a, testLogger())
	server = protocol.NewConn(b, testLogger())
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// serve runs the responder side of one exchange in the background
func serve(conn *protocol.Conn, led *ledger.Ledger, opts Options) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer conn.Close()
		first, err := conn.Recv(opts.Timeout)
		if err != nil {
			done <- err
			return
		}
		_, err = Respond(conn, led, opts, testLogger(), first)
		done <- err
	}()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("responder did not finish")
		return nil
	}
}

type frameCounter struct {
	data     map[string][]int
	sentinel map[string]int
}

func countFrames(conn *protocol.Conn, cmd protocol.Command) *frameCounter {
	fc := &frameCounter{data: map[string][]int{}, sentinel: map[string]int{}}
	conn.SetTap(func(sent bool, p *protocol.Packet) {
		if !sent || p.Command != cmd {
			return
		}
		if len(p.ChunkBytes) == 0 {
			fc.sentinel[p.Filename]++
			return
		}
		fc.data[p.Filename] = append(fc.data[p.Filename], len(p.ChunkBytes))
	})
	return fc
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		cmd     protocol.Command
		want    Kind
		wantErr bool
	}{
		{cmd: protocol.CmdDwList, want: KindList},
		{cmd: protocol.CmdUpList, want: KindPushList},
		{cmd: protocol.CmdUpChunk, want: KindUpload},
		{cmd: protocol.CmdDwChunk, want: KindDownload},
		{cmd: protocol.CmdUpData, wantErr: true},
		{cmd: protocol.CmdDwData, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.cmd), func(t *testing.T) {
			got, err := KindOf(tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("KindOf() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if err != nil && !errors.Is(err, ErrUnexpectedCommand) {
				t.Errorf("expected ErrUnexpectedCommand, got %v", err)
			}
		})
	}
}

func TestListing_EncodeDecode(t *testing.T) {
	entries := []string{"b/c.txt", "a.txt", "dir with space/ü.bin"}
	got, err := DecodeListing(EncodeListing(append(entries, "a.txt")))
	if err != nil {
		t.Fatalf("DecodeListing: %v", err)
	}
	want := []string{"a.txt", "b/c.txt", "dir with space/ü.bin"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}

	if _, err := DecodeListing([]byte("not*base64")); err == nil {
		t.Error("expected decode error")
	}
	if got, err := DecodeListing(nil); err != nil || len(got) != 0 {
		t.Errorf("expected empty listing, got %v (%v)", got, err)
	}
}

func TestUpload_EndToEnd(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), []byte("0123456789"))
	writeFile(t, filepath.Join(src, "b", "c.txt"), nil)

	clientLed := newLedger(t, src)
	serverLed := newLedger(t, dst)
	opts := Options{ChunkSize: 4, Timeout: 5 * time.Second, Sync: true}
	srvOpts := Options{Timeout: 5 * time.Second, Sync: true, Root: dst}

	frames := map[string]*frameCounter{}
	for _, name := range []string{"a.txt", "b/c.txt"} {
		client, server := connect(t)
		frames[name] = countFrames(client, protocol.CmdUpData)
		done := serve(server, serverLed, srvOpts)

		res, err := Upload(client, clientLed, opts, testLogger(), filepath.Join(src, filepath.FromSlash(name)), name, "")
		if err != nil {
			t.Fatalf("Upload(%s): %v", name, err)
		}
		if res.Skipped || res.Resumed {
			t.Errorf("%s: unexpected result %+v", name, res)
		}
		if err := wait(t, done); err != nil {
			t.Fatalf("responder for %s: %v", name, err)
		}
	}

	a := frames["a.txt"]
	if got := a.data["a.txt"]; len(got) != 3 || got[0] != 4 || got[1] != 4 || got[2] != 2 {
		t.Errorf("expected UPDATA payloads [4 4 2], got %v", got)
	}
	if a.sentinel["a.txt"] != 1 {
		t.Errorf("expected one sentinel for a.txt, got %d", a.sentinel["a.txt"])
	}
	c := frames["b/c.txt"]
	if len(c.data["b/c.txt"]) != 0 || c.sentinel["b/c.txt"] != 1 {
		t.Errorf("expected a sentinel-only exchange for b/c.txt, got data %v sentinel %d", c.data["b/c.txt"], c.sentinel["b/c.txt"])
	}

	if got := readFile(t, filepath.Join(dst, "a.txt")); string(got) != "0123456789" {
		t.Errorf("unexpected a.txt content %q", got)
	}
	if got := readFile(t, filepath.Join(dst, "b", "c.txt")); len(got) != 0 {
		t.Errorf("expected empty c.txt, got %q", got)
	}
	for _, name := range []string{"a.txt", "b/c.txt"} {
		target := filepath.Join(dst, filepath.FromSlash(name))
		sum, ok, err := serverLed.Lookup(target)
		if err != nil || !ok {
			t.Fatalf("expected ledger entry for %s (ok=%v, err=%v)", name, ok, err)
		}
		want, _ := checksum.SHA512.File(target)
		if sum != want {
			t.Errorf("ledger for %s holds %s, want %s", name, sum, want)
		}
		if _, err := os.Stat(ledger.SidecarPath(target)); !os.IsNotExist(err) {
			t.Errorf("sidecar for %s should be gone", name)
		}
	}
}

func TestUpload_StopsAtDeclaredSize(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "growing.log")
	writeFile(t, path, []byte("0123456789"))

	clientLed := newLedger(t, src)
	serverLed := newLedger(t, dst)
	opts := Options{ChunkSize: 4, Timeout: 5 * time.Second, Sync: true}
	srvOpts := Options{Timeout: 5 * time.Second, Sync: true, Root: dst}

	client, server := connect(t)
	var sizes []int
	client.SetTap(func(sent bool, p *protocol.Packet) {
		if !sent || p.Command != protocol.CmdUpData || len(p.ChunkBytes) == 0 {
			return
		}
		sizes = append(sizes, len(p.ChunkBytes))
		if len(sizes) == 1 {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				t.Errorf("failed to grow source: %v", err)
				return
			}
			_, _ = f.Write([]byte("appended later"))
			_ = f.Close()
		}
	})
	done := serve(server, serverLed, srvOpts)

	res, err := Upload(client, clientLed, opts, testLogger(), path, "growing.log", "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if res.Bytes != 10 {
		t.Errorf("expected 10 bytes moved, got %d", res.Bytes)
	}
	if len(sizes) != 3 || sizes[2] != 2 {
		t.Errorf("expected UPDATA payloads [4 4 2], got %v", sizes)
	}

	target := filepath.Join(dst, "growing.log")
	if got := readFile(t, target); string(got) != "0123456789" {
		t.Errorf("expected the declared prefix only, got %q", got)
	}
	if _, ok, _ := serverLed.Lookup(target); !ok {
		t.Error("server ledger should record the finished file")
	}
	if _, err := os.Stat(ledger.SidecarPath(target)); !os.IsNotExist(err) {
		t.Error("sidecar should be gone after a complete upload")
	}
}

// pull sends req and keeps acknowledging replies until the end position,
// returning the concatenated payloads.
func pull(t *testing.T, conn *protocol.Conn, req *protocol.Packet, ack func(reply *protocol.Packet) *protocol.Packet) []byte {
	t.Helper()
	if err := conn.Send(req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var data []byte
	for {
		reply, err := conn.Recv(5 * time.Second)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if !reply.OK() {
			t.Fatalf("peer rejected: %s", reply.Message)
		}
		if reply.AtEnd() {
			return data
		}
		if len(reply.ChunkBytes) > protocol.MaxChunkSize {
			t.Fatalf("payload of %d bytes exceeds the chunk bound", len(reply.ChunkBytes))
		}
		data = append(data, reply.ChunkBytes...)
		if err := conn.Send(ack(reply)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
}

func TestRespond_BoundsDeclaredChunkSize(t *testing.T) {
	served := t.TempDir()
	content := []byte("served with an absurd chunk size")
	writeFile(t, filepath.Join(served, "dir", "a.txt"), content)
	led := newLedger(t, served)
	srvOpts := Options{Timeout: 5 * time.Second, Root: served}

	t.Run("listing", func(t *testing.T) {
		client, server := connect(t)
		done := serve(server, led, srvOpts)
		req := &protocol.Packet{
			Command:   protocol.CmdDwList,
			Filename:  "dir",
			ChunkSize: protocol.Int64(math.MaxInt64),
		}
		data := pull(t, client, req, func(reply *protocol.Packet) *protocol.Packet {
			return reply.Clone()
		})
		if err := wait(t, done); err != nil {
			t.Fatalf("responder: %v", err)
		}
		entries, err := DecodeListing(data)
		if err != nil {
			t.Fatalf("DecodeListing: %v", err)
		}
		if len(entries) != 1 || entries[0] != "dir/a.txt" {
			t.Errorf("unexpected listing %v", entries)
		}
	})

	t.Run("download", func(t *testing.T) {
		client, server := connect(t)
		done := serve(server, led, srvOpts)
		req := &protocol.Packet{
			Command:   protocol.CmdDwChunk,
			Filename:  "dir/a.txt",
			ChunkSize: protocol.Int64(1 << 50),
		}
		data := pull(t, client, req, func(reply *protocol.Packet) *protocol.Packet {
			ack := reply.Clone()
			ack.Command = protocol.CmdDwData
			ack.FilePosition = protocol.Int64(reply.Position() + int64(len(reply.ChunkBytes)))
			return ack
		})
		if err := wait(t, done); err != nil {
			t.Fatalf("responder: %v", err)
		}
		if !bytes.Equal(data, content) {
			t.Errorf("expected %q, got %q", content, data)
		}
	})
}

func TestOptions_Chunk(t *testing.T) {
	for _, tc := range []struct {
		declared int64
		want     int64
	}{
		{declared: 0, want: protocol.DefaultChunkSize},
		{declared: -5, want: protocol.DefaultChunkSize},
		{declared: 4096, want: 4096},
		{declared: math.MaxInt64, want: protocol.MaxChunkSize},
	} {
		if got := (Options{ChunkSize: tc.declared}).chunk(); got != tc.want {
			t.Errorf("chunk(%d) = %d, want %d", tc.declared, got, tc.want)
		}
	}
}

func TestUpload_SecondRunTransfersNothing(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "data.bin")
	writeFile(t, path, bytes.Repeat([]byte("x"), 37))

	clientLed := newLedger(t, src)
	serverLed := newLedger(t, dst)
	opts := Options{ChunkSize: 8, Timeout: 5 * time.Second, Sync: true}
	srvOpts := Options{Timeout: 5 * time.Second, Sync: true, Root: dst}

	var results []*Result
	for i := 0; i < 2; i++ {
		client, server := connect(t)
		done := serve(server, serverLed, srvOpts)
		res, err := Upload(client, clientLed, opts, testLogger(), path, "data.bin", "")
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if err := wait(t, done); err != nil {
			t.Fatalf("run %d responder: %v", i, err)
		}
		results = append(results, res)
	}

	if results[0].Bytes != 37 {
		t.Errorf("first run moved %d bytes, want 37", results[0].Bytes)
	}
	if !results[1].Skipped || results[1].Bytes != 0 {
		t.Errorf("second run should short-circuit, got %+v", results[1])
	}
	if results[1].Message != "exist and no changes" {
		t.Errorf("unexpected message %q", results[1].Message)
	}
}

func TestUpload_ResumesAfterDisconnect(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "big.bin")
	content := []byte("abcdefghijklmnopqrst") // five chunks of four
	writeFile(t, path, content)

	clientLed := newLedger(t, src)
	serverLed := newLedger(t, dst)
	opts := Options{ChunkSize: 4, Timeout: 5 * time.Second, Sync: true}
	srvOpts := Options{Timeout: 5 * time.Second, Sync: true, Root: dst}

	// First attempt: drop the connection once two chunks are confirmed.
	client, server := connect(t)
	done := serve(server, serverLed, srvOpts)
	confirmed := 0
	client.SetTap(func(sent bool, p *protocol.Packet) {
		if !sent && p.Command == protocol.CmdUpData {
			confirmed++
			if confirmed == 2 {
				client.Close()
			}
		}
	})
	if _, err := Upload(client, clientLed, opts, testLogger(), path, "big.bin", ""); err == nil {
		t.Fatal("expected the interrupted upload to fail")
	}
	_ = wait(t, done)

	target := filepath.Join(dst, "big.bin")
	st, err := ledger.LoadState(target)
	if err != nil || st == nil {
		t.Fatalf("expected a sidecar after interruption (st=%v, err=%v)", st, err)
	}
	if st.Position != 8 || st.Size != 20 {
		t.Fatalf("expected sidecar at 8/20, got %d/%d", st.Position, st.Size)
	}

	// Second attempt continues from the third chunk.
	client, server = connect(t)
	frames := countFrames(client, protocol.CmdUpData)
	done = serve(server, serverLed, srvOpts)
	res, err := Upload(client, clientLed, opts, testLogger(), path, "big.bin", "")
	if err != nil {
		t.Fatalf("resumed upload: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}

	if !res.Resumed || res.Start != 8 || res.Bytes != 12 {
		t.Errorf("expected resume from 8 moving 12 bytes, got %+v", res)
	}
	if got := frames.data["big.bin"]; len(got) != 3 {
		t.Errorf("expected 3 data frames after resume, got %v", got)
	}
	if got := readFile(t, target); !bytes.Equal(got, content) {
		t.Errorf("expected %q, got %q", content, got)
	}
	want, _ := checksum.SHA512.Bytes(content)
	if got, _ := checksum.SHA512.File(target); got != want {
		t.Error("checksum of resumed file does not match the source")
	}
	if st, _ := ledger.LoadState(target); st != nil {
		t.Errorf("sidecar should be cleared, got %+v", st)
	}
}

func TestUpload_MismatchedSidecarRestarts(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "f.txt")
	writeFile(t, path, []byte("new content"))

	target := filepath.Join(dst, "f.txt")
	writeFile(t, target, []byte("old"))
	if err := ledger.SaveState(target, ledger.TransferState{Position: 3, Size: 11, Checksum: "other"}); err != nil {
		t.Fatal(err)
	}

	client, server := connect(t)
	done := serve(server, newLedger(t, dst), Options{Timeout: 5 * time.Second, Sync: true, Root: dst})
	res, err := Upload(client, newLedger(t, src), Options{ChunkSize: 4, Timeout: 5 * time.Second}, testLogger(), path, "f.txt", "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if res.Resumed || res.Start != 0 {
		t.Errorf("expected a restart at 0, got %+v", res)
	}
	if got := readFile(t, target); string(got) != "new content" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestUpload_WithoutSyncComparesContent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "same.txt")
	writeFile(t, path, []byte("identical"))
	writeFile(t, filepath.Join(dst, "same.txt"), []byte("identical"))

	serverLed := newLedger(t, dst)
	client, server := connect(t)
	done := serve(server, serverLed, Options{Timeout: 5 * time.Second, Root: dst})
	res, err := Upload(client, newLedger(t, src), Options{Timeout: 5 * time.Second}, testLogger(), path, "same.txt", "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if !res.Skipped {
		t.Errorf("expected identical content to be skipped, got %+v", res)
	}
	if _, ok, _ := serverLed.Lookup(filepath.Join(dst, "same.txt")); ok {
		t.Error("non-sync mode must not write the ledger")
	}
}

func TestUpload_Rejected(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "f.txt")
	writeFile(t, path, []byte("data"))
	if err := os.MkdirAll(filepath.Join(dst, "taken"), 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		want string
	}{
		{name: "../escape.txt", want: "escapes"},
		{name: "taken", want: "is a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := connect(t)
			done := serve(server, newLedger(t, dst), Options{Timeout: 5 * time.Second, Root: dst})
			_, err := Upload(client, newLedger(t, src), Options{Timeout: 5 * time.Second}, testLogger(), path, tt.name, "")
			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("expected RemoteError, got %v", err)
			}
			if !strings.Contains(remote.Message, tt.want) {
				t.Errorf("expected message containing %q, got %q", tt.want, remote.Message)
			}
			if err := wait(t, done); err != nil {
				t.Errorf("responder: %v", err)
			}
		})
	}
}

func TestDownload_RoundTripAndShortCircuit(t *testing.T) {
	served := t.TempDir()
	work := t.TempDir()
	content := []byte("the quick brown fox jumps")
	writeFile(t, filepath.Join(served, "dir", "fox.txt"), content)

	serverLed := newLedger(t, served)
	clientLed := newLedger(t, work)
	local := filepath.Join(work, "dir", "fox.txt")
	opts := Options{ChunkSize: 10, Timeout: 5 * time.Second, Sync: true}
	srvOpts := Options{Timeout: 5 * time.Second, Sync: true, Root: served}

	client, server := connect(t)
	frames := countFrames(server, protocol.CmdDwData)
	done := serve(server, serverLed, srvOpts)
	res, err := Download(client, clientLed, opts, testLogger(), "dir/fox.txt", local)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if got := readFile(t, local); !bytes.Equal(got, content) {
		t.Errorf("expected %q, got %q", content, got)
	}
	if got := frames.data["dir/fox.txt"]; len(got) != 3 || got[2] != 5 {
		t.Errorf("expected DWDATA payloads [10 10 5], got %v", got)
	}
	if res.Bytes != int64(len(content)) {
		t.Errorf("expected %d bytes, got %d", len(content), res.Bytes)
	}
	if _, ok, _ := clientLed.Lookup(local); !ok {
		t.Error("client ledger should hold the downloaded file")
	}
	if _, ok, _ := serverLed.Lookup(filepath.Join(served, "dir", "fox.txt")); !ok {
		t.Error("server ledger should record the served file")
	}

	client, server = connect(t)
	done = serve(server, serverLed, srvOpts)
	res, err = Download(client, clientLed, opts, testLogger(), "dir/fox.txt", local)
	if err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if !res.Skipped || res.Bytes != 0 || res.Message != "not changed" {
		t.Errorf("expected short-circuit, got %+v", res)
	}
}

func TestDownload_Resumes(t *testing.T) {
	served := t.TempDir()
	work := t.TempDir()
	content := []byte("0123456789abcdefghij")
	remote := filepath.Join(served, "r.bin")
	writeFile(t, remote, content)
	sum, err := checksum.SHA512.Bytes(content)
	if err != nil {
		t.Fatal(err)
	}

	local := filepath.Join(work, "r.bin")
	writeFile(t, local, content[:8])
	if err := ledger.SaveState(local, ledger.TransferState{Position: 8, Size: 20, Checksum: sum}); err != nil {
		t.Fatal(err)
	}

	client, server := connect(t)
	done := serve(server, newLedger(t, served), Options{Timeout: 5 * time.Second, Root: served})
	res, err := Download(client, newLedger(t, work), Options{ChunkSize: 4, Timeout: 5 * time.Second}, testLogger(), "r.bin", local)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if !res.Resumed || res.Start != 8 || res.Bytes != 12 {
		t.Errorf("expected resume from 8 moving 12 bytes, got %+v", res)
	}
	if got := readFile(t, local); !bytes.Equal(got, content) {
		t.Errorf("expected %q, got %q", content, got)
	}
	if st, _ := ledger.LoadState(local); st != nil {
		t.Errorf("sidecar should be cleared, got %+v", st)
	}
}

func TestDownload_StaleSidecarRestarts(t *testing.T) {
	served := t.TempDir()
	work := t.TempDir()
	writeFile(t, filepath.Join(served, "r.bin"), []byte("fresh remote content"))

	local := filepath.Join(work, "r.bin")
	writeFile(t, local, []byte("stale"))
	if err := ledger.SaveState(local, ledger.TransferState{Position: 5, Size: 20, Checksum: "old"}); err != nil {
		t.Fatal(err)
	}

	client, server := connect(t)
	done := serve(server, newLedger(t, served), Options{Timeout: 5 * time.Second, Sync: true, Root: served})
	res, err := Download(client, newLedger(t, work), Options{ChunkSize: 6, Timeout: 5 * time.Second}, testLogger(), "r.bin", local)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if res.Resumed || res.Start != 0 {
		t.Errorf("expected restart at 0, got %+v", res)
	}
	if got := readFile(t, local); string(got) != "fresh remote content" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestDownload_EmptyFile(t *testing.T) {
	served := t.TempDir()
	work := t.TempDir()
	writeFile(t, filepath.Join(served, "empty"), nil)

	client, server := connect(t)
	frames := countFrames(client, protocol.CmdDwData)
	done := serve(server, newLedger(t, served), Options{Timeout: 5 * time.Second, Root: served})
	local := filepath.Join(work, "sub", "empty")
	if _, err := Download(client, newLedger(t, work), Options{Timeout: 5 * time.Second}, testLogger(), "empty", local); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	info, err := os.Stat(local)
	if err != nil || info.Size() != 0 {
		t.Fatalf("expected empty local file (err=%v)", err)
	}
	if frames.sentinel["empty"] != 0 || len(frames.data["empty"]) != 0 {
		t.Error("an empty file needs no DWDATA frames")
	}
}

func TestDownload_Missing(t *testing.T) {
	served := t.TempDir()
	client, server := connect(t)
	done := serve(server, newLedger(t, served), Options{Timeout: 5 * time.Second, Root: served})
	_, err := Download(client, newLedger(t, t.TempDir()), Options{Timeout: 5 * time.Second}, testLogger(), "nope.txt", filepath.Join(t.TempDir(), "nope.txt"))
	var remote *RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "not exists") {
		t.Fatalf("expected a 'not exists' rejection, got %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Errorf("responder: %v", err)
	}
}

func TestList(t *testing.T) {
	served := t.TempDir()
	for _, name := range []string{"dir/one.txt", "dir/sub/two.txt", "dir/three.txt", "other.txt"} {
		writeFile(t, filepath.Join(served, filepath.FromSlash(name)), []byte(name))
	}
	writeFile(t, filepath.Join(served, "dir", "partial.bin"+ledger.SidecarSuffix), []byte("1,2,x"))
	led := newLedger(t, served)
	if err := led.Record(filepath.Join(served, "dir", "one.txt"), ""); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		remote  string
		want    []string
		wantErr string
	}{
		{name: "directory", remote: "dir", want: []string{"dir/one.txt", "dir/sub/two.txt", "dir/three.txt"}},
		{name: "single file", remote: "other.txt", want: []string{"other.txt"}},
		{name: "missing", remote: "ghost", wantErr: "not exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := connect(t)
			done := serve(server, led, Options{Timeout: 5 * time.Second, Root: served})
			got, err := List(client, Options{ChunkSize: 5, Timeout: 5 * time.Second}, testLogger(), tt.remote)
			if werr := wait(t, done); werr != nil {
				t.Fatalf("responder: %v", werr)
			}
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			want := append([]string(nil), tt.want...)
			sort.Strings(want)
			if strings.Join(got, "|") != strings.Join(want, "|") {
				t.Errorf("expected %v, got %v", want, got)
			}
		})
	}
}

func TestPushList_PrunesServedTree(t *testing.T) {
	served := t.TempDir()
	for _, name := range []string{"keep/a.txt", "keep/stale.txt", "keep/deep/old.txt", "other/z.txt", "top.txt"} {
		writeFile(t, filepath.Join(served, filepath.FromSlash(name)), []byte(name))
	}
	led := newLedger(t, served)
	stale := filepath.Join(served, "keep", "stale.txt")
	if err := led.Record(stale, ""); err != nil {
		t.Fatal(err)
	}

	client, server := connect(t)
	done := serve(server, led, Options{Timeout: 5 * time.Second, Root: served})
	msg, err := PushList(client, Options{ChunkSize: 7, Timeout: 5 * time.Second}, testLogger(), "keep", []string{"keep/a.txt"})
	if err != nil {
		t.Fatalf("PushList: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if msg != "removed 2 file(s)" {
		t.Errorf("unexpected message %q", msg)
	}

	for _, gone := range []string{"keep/stale.txt", "keep/deep/old.txt"} {
		if _, err := os.Stat(filepath.Join(served, filepath.FromSlash(gone))); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", gone)
		}
	}
	for _, kept := range []string{"keep/a.txt", "other/z.txt", "top.txt"} {
		if _, err := os.Stat(filepath.Join(served, filepath.FromSlash(kept))); err != nil {
			t.Errorf("%s should be kept: %v", kept, err)
		}
	}
	if _, ok, _ := led.Lookup(stale); ok {
		t.Error("ledger entry of a pruned file should be forgotten")
	}
}

func TestPushList_EmptySourceDirectory(t *testing.T) {
	served := t.TempDir()
	writeFile(t, filepath.Join(served, "gone", "x.txt"), []byte("x"))

	client, server := connect(t)
	done := serve(server, newLedger(t, served), Options{Timeout: 5 * time.Second, Root: served})
	if _, err := PushList(client, Options{Timeout: 5 * time.Second}, testLogger(), "gone", nil); err != nil {
		t.Fatalf("PushList: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("responder: %v", err)
	}
	if _, err := os.Stat(filepath.Join(served, "gone", "x.txt")); !os.IsNotExist(err) {
		t.Error("an emptied source directory should empty its mirror")
	}
}

