package server

import (
	"bytes"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"wizzd/db"
	"wizzd/models"
	"wizzd/protocol"
)

// setupTestServer starts a full server on an ephemeral port with a
// temporary database and storage directory.
func setupTestServer(t *testing.T) (*Server, string, func()) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := db.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	cfg := &ServerConfig{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		StorageDir:   t.TempDir(),
	}

	srv, err := New(database, cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go srv.Serve(listener)

	cleanup := func() {
		srv.Shutdown("test")
		database.Close()
		os.Remove(tmpfile.Name())
	}

	return srv, listener.Addr().String(), cleanup
}

func dialServer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	return conn
}

func sendPacket(t *testing.T, conn net.Conn, pkt *protocol.Packet) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(pkt.Serialize()); err != nil {
		t.Fatalf("Failed to send packet: %v", err)
	}
}

func readPacket(t *testing.T, conn net.Conn, timeout time.Duration) *protocol.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))

	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("Failed to read header: %v", err)
	}

	bodyLen := uint32(header[8])<<24 | uint32(header[9])<<16 | uint32(header[10])<<8 | uint32(header[11])
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}

	pkt, err := protocol.Decode(append(header, body...))
	if err != nil {
		t.Fatalf("Failed to decode packet: %v", err)
	}
	return pkt
}

func register(t *testing.T, conn net.Conn, username, password string) {
	t.Helper()
	pkt := protocol.New(protocol.Register)
	pkt.WriteString(username)
	pkt.WriteString(password)
	sendPacket(t, conn, pkt)

	resp := readPacket(t, conn, 5*time.Second)
	if resp.Type != protocol.RegisterSuccess {
		t.Fatalf("Expected RegisterSuccess for %s, got type %d", username, resp.Type)
	}
}

func login(t *testing.T, conn net.Conn, username, password string) *protocol.Packet {
	t.Helper()
	pkt := protocol.New(protocol.Login)
	pkt.WriteString(username)
	pkt.WriteString(password)
	sendPacket(t, conn, pkt)
	return readPacket(t, conn, 5*time.Second)
}

func TestRegisterLoginScenario(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	// First registration succeeds and auto-logs-in.
	conn1 := dialServer(t, addr)
	defer conn1.Close()
	register(t, conn1, "alice", "pw1")
	conn1.Close()

	// Re-registering the same name fails.
	conn2 := dialServer(t, addr)
	defer conn2.Close()
	pkt := protocol.New(protocol.Register)
	pkt.WriteString("alice")
	pkt.WriteString("pw2")
	sendPacket(t, conn2, pkt)

	resp := readPacket(t, conn2, 5*time.Second)
	if resp.Type != protocol.RegisterFailed {
		t.Fatalf("Expected RegisterFailed, got type %d", resp.Type)
	}
	reason, _ := resp.ReadString()
	if reason == "" {
		t.Error("Expected a failure reason")
	}

	// The original password still logs in.
	resp = login(t, conn2, "alice", "pw1")
	if resp.Type != protocol.LoginSuccess {
		t.Errorf("Expected LoginSuccess, got type %d", resp.Type)
	}
}

func TestLoginFailureIndistinguishable(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	conn := dialServer(t, addr)
	register(t, conn, "real-user", "secret")
	conn.Close()

	conn1 := dialServer(t, addr)
	defer conn1.Close()
	ghostResp := login(t, conn1, "ghost", "x")

	conn2 := dialServer(t, addr)
	defer conn2.Close()
	wrongResp := login(t, conn2, "real-user", "wrong-pw")

	if ghostResp.Type != protocol.LoginFailed || wrongResp.Type != protocol.LoginFailed {
		t.Fatalf("Expected LoginFailed for both, got %d and %d", ghostResp.Type, wrongResp.Type)
	}

	ghostReason, _ := ghostResp.ReadString()
	wrongReason, _ := wrongResp.ReadString()
	if ghostReason != wrongReason {
		t.Errorf("Failure reasons leak account existence: %q vs %q", ghostReason, wrongReason)
	}
}

func TestOnlineDelivery(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	bobConn := dialServer(t, addr)
	defer bobConn.Close()
	register(t, bobConn, "bob", "pw")

	msg := protocol.New(protocol.DirectMessage)
	msg.WriteString("bob")
	msg.WriteString("hi")
	sendPacket(t, aliceConn, msg)

	// Bob receives the forwarded frame verbatim.
	received := readPacket(t, bobConn, 5*time.Second)
	if received.Type != protocol.DirectMessage {
		t.Fatalf("Expected DirectMessage, got type %d", received.Type)
	}
	sender, _ := received.ReadString()
	body, _ := received.ReadString()
	if sender != "alice" || body != "hi" {
		t.Errorf("Expected alice/hi, got %q/%q", sender, body)
	}

	// Alice gets the send acknowledgement.
	ack := readPacket(t, aliceConn, 5*time.Second)
	if ack.Type != protocol.MessageSent {
		t.Errorf("Expected MessageSent, got type %d", ack.Type)
	}
}

func TestOfflineDelivery(t *testing.T) {
	srv, addr, cleanup := setupTestServer(t)
	defer cleanup()

	// Bob registers, then goes offline.
	bobConn := dialServer(t, addr)
	register(t, bobConn, "bob", "pw")
	bobConn.Close()
	time.Sleep(200 * time.Millisecond)

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	msg := protocol.New(protocol.DirectMessage)
	msg.WriteString("bob")
	msg.WriteString("hi")
	sendPacket(t, aliceConn, msg)

	ack := readPacket(t, aliceConn, 5*time.Second)
	if ack.Type != protocol.MessageSent {
		t.Fatalf("Expected MessageSent, got type %d", ack.Type)
	}

	// Bob logs back in and the stored message is flushed.
	bobConn = dialServer(t, addr)
	defer bobConn.Close()
	resp := login(t, bobConn, "bob", "pw")
	if resp.Type != protocol.LoginSuccess {
		t.Fatalf("Expected LoginSuccess, got type %d", resp.Type)
	}

	flushed := readPacket(t, bobConn, 5*time.Second)
	if flushed.Type != protocol.DirectMessage {
		t.Fatalf("Expected flushed DirectMessage, got type %d", flushed.Type)
	}
	sender, _ := flushed.ReadString()
	body, _ := flushed.ReadString()
	if sender != "alice" || body != "hi" {
		t.Errorf("Expected alice/hi, got %q/%q", sender, body)
	}

	// The row flips to delivered once flushed.
	deadline := time.Now().Add(3 * time.Second)
	for {
		pending, err := srv.db.FetchPending("bob", 0)
		if err != nil {
			t.Fatalf("FetchPending failed: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Message never marked delivered; %d still pending", len(pending))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestVoiceMessageOfflineFlush(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	bobConn := dialServer(t, addr)
	register(t, bobConn, "bob", "pw")
	bobConn.Close()
	time.Sleep(200 * time.Millisecond)

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	payload := []byte{0x52, 0x49, 0x46, 0x46, 1, 2, 3, 4, 5}
	voice := protocol.New(protocol.VoiceMessage)
	voice.WriteString("bob")
	voice.WriteUint32(7)
	voice.WriteUint32(uint32(len(payload)))
	voice.WriteBytes(payload)
	sendPacket(t, aliceConn, voice)

	// Voice persistence is fire-and-forget; give the worker a moment.
	time.Sleep(300 * time.Millisecond)

	bobConn = dialServer(t, addr)
	defer bobConn.Close()
	resp := login(t, bobConn, "bob", "pw")
	if resp.Type != protocol.LoginSuccess {
		t.Fatalf("Expected LoginSuccess, got type %d", resp.Type)
	}

	flushed := readPacket(t, bobConn, 5*time.Second)
	if flushed.Type != protocol.VoiceMessage {
		t.Fatalf("Expected flushed VoiceMessage, got type %d", flushed.Type)
	}
	sender, _ := flushed.ReadString()
	duration, _ := flushed.ReadUint32()
	size, _ := flushed.ReadUint32()
	data, err := flushed.ReadBytes(size)
	if err != nil {
		t.Fatalf("Failed to read voice payload: %v", err)
	}
	if sender != "alice" || duration != 7 || !bytes.Equal(data, payload) {
		t.Errorf("Voice flush mismatch: sender=%q duration=%d payload=%x", sender, duration, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	conn := dialServer(t, addr)
	defer conn.Close()

	msg := protocol.New(protocol.DirectMessage)
	msg.WriteString("bob")
	msg.WriteString("hi")
	sendPacket(t, conn, msg)

	resp := readPacket(t, conn, 5*time.Second)
	if resp.Type != protocol.Error {
		t.Fatalf("Expected Error, got type %d", resp.Type)
	}
	reason, _ := resp.ReadString()
	if reason != "Not authenticated" {
		t.Errorf("Expected authentication error, got %q", reason)
	}
}

func TestBadMagicClosesWithoutReply(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	conn := dialServer(t, addr)
	defer conn.Close()

	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 100, 0, 0, 0, 0}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(garbage); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	// The server drops the connection with no reply.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if err == nil || n > 0 {
		t.Errorf("Expected closed connection without reply, read %d bytes (err %v)", n, err)
	}

	// The server is still alive for other clients.
	conn2 := dialServer(t, addr)
	defer conn2.Close()
	register(t, conn2, "alice", "pw")
}

func TestDuplicateLoginEvicted(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	first := dialServer(t, addr)
	defer first.Close()
	register(t, first, "alice", "pw")

	second := dialServer(t, addr)
	defer second.Close()
	resp := login(t, second, "alice", "pw")
	if resp.Type != protocol.LoginSuccess {
		t.Fatalf("Expected LoginSuccess on new session, got type %d", resp.Type)
	}

	// The first session is told why before being dropped.
	evict := readPacket(t, first, 5*time.Second)
	if evict.Type != protocol.Error {
		t.Fatalf("Expected eviction Error, got type %d", evict.Type)
	}
	reason, _ := evict.ReadString()
	if reason != "Signed in from another location." {
		t.Errorf("Unexpected eviction reason %q", reason)
	}

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if n, err := first.Read(buf); err == nil {
		t.Errorf("Expected first connection closed, read %d bytes", n)
	}

	// Messages route to the surviving session.
	sender := dialServer(t, addr)
	defer sender.Close()
	register(t, sender, "bob", "pw")

	msg := protocol.New(protocol.DirectMessage)
	msg.WriteString("alice")
	msg.WriteString("still there?")
	sendPacket(t, sender, msg)

	received := readPacket(t, second, 5*time.Second)
	if received.Type != protocol.DirectMessage {
		t.Errorf("Expected DirectMessage on surviving session, got type %d", received.Type)
	}
}

func TestContactListSnapshot(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	bobConn := dialServer(t, addr)
	register(t, bobConn, "bob", "pw")
	bobConn.Close()
	time.Sleep(200 * time.Millisecond)

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	add := protocol.New(protocol.AddContact)
	add.WriteString("bob")
	sendPacket(t, aliceConn, add)

	resp := readPacket(t, aliceConn, 5*time.Second)
	if resp.Type != protocol.ContactList {
		t.Fatalf("Expected ContactList, got type %d", resp.Type)
	}
	count, _ := resp.ReadUint32()
	if count != 1 {
		t.Fatalf("Expected 1 contact, got %d", count)
	}
	name, _ := resp.ReadString()
	status, _ := resp.ReadUint32()
	if name != "bob" || status != models.StatusOffline {
		t.Errorf("Expected bob offline, got %q status %d", name, status)
	}

	// Adding an unknown user yields an error plus the unchanged snapshot.
	add = protocol.New(protocol.AddContact)
	add.WriteString("nobody")
	sendPacket(t, aliceConn, add)

	errResp := readPacket(t, aliceConn, 5*time.Second)
	if errResp.Type != protocol.Error {
		t.Fatalf("Expected Error, got type %d", errResp.Type)
	}
	listResp := readPacket(t, aliceConn, 5*time.Second)
	if listResp.Type != protocol.ContactList {
		t.Fatalf("Expected ContactList after error, got type %d", listResp.Type)
	}
	count, _ = listResp.ReadUint32()
	if count != 1 {
		t.Errorf("Expected list unchanged at 1 contact, got %d", count)
	}

	// Removal is idempotent and answers with the fresh snapshot.
	remove := protocol.New(protocol.RemoveContact)
	remove.WriteString("bob")
	sendPacket(t, aliceConn, remove)

	listResp = readPacket(t, aliceConn, 5*time.Second)
	if listResp.Type != protocol.ContactList {
		t.Fatalf("Expected ContactList, got type %d", listResp.Type)
	}
	count, _ = listResp.ReadUint32()
	if count != 0 {
		t.Errorf("Expected empty list, got %d", count)
	}
}

func TestNudgeOfflineAndBusy(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	// Nudging an offline user is a soft error.
	nudge := protocol.New(protocol.Nudge)
	nudge.WriteString("bob")
	sendPacket(t, aliceConn, nudge)

	resp := readPacket(t, aliceConn, 5*time.Second)
	if resp.Type != protocol.Error {
		t.Fatalf("Expected Error for offline nudge, got type %d", resp.Type)
	}

	bobConn := dialServer(t, addr)
	defer bobConn.Close()
	register(t, bobConn, "bob", "pw")

	// Busy users cannot be nudged.
	busy := protocol.New(protocol.ContactStatusChange)
	busy.WriteUint32(models.StatusBusy)
	sendPacket(t, bobConn, busy)
	time.Sleep(200 * time.Millisecond)

	sendPacket(t, aliceConn, nudge)
	resp = readPacket(t, aliceConn, 5*time.Second)
	if resp.Type != protocol.Error {
		t.Fatalf("Expected Error for busy nudge, got type %d", resp.Type)
	}

	// Back to online, the nudge goes through.
	online := protocol.New(protocol.ContactStatusChange)
	online.WriteUint32(models.StatusOnline)
	sendPacket(t, bobConn, online)
	time.Sleep(200 * time.Millisecond)

	sendPacket(t, aliceConn, nudge)
	received := readPacket(t, bobConn, 5*time.Second)
	if received.Type != protocol.Nudge {
		t.Fatalf("Expected Nudge, got type %d", received.Type)
	}
	sender, _ := received.ReadString()
	if sender != "alice" {
		t.Errorf("Expected nudge from alice, got %q", sender)
	}
}

func TestTypingIndicatorDroppedOffline(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	typing := protocol.New(protocol.TypingIndicator)
	typing.WriteString("bob")
	typing.WriteUint32(1)
	sendPacket(t, aliceConn, typing)

	// No reply, no error, nothing persisted: the next frame's reply is
	// the first thing alice hears back.
	nudge := protocol.New(protocol.Nudge)
	nudge.WriteString("bob")
	sendPacket(t, aliceConn, nudge)

	resp := readPacket(t, aliceConn, 5*time.Second)
	if resp.Type != protocol.Error {
		t.Fatalf("Expected the nudge Error as the only reply, got type %d", resp.Type)
	}
}

func TestTypingIndicatorForwardedOnline(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	bobConn := dialServer(t, addr)
	defer bobConn.Close()
	register(t, bobConn, "bob", "pw")

	typing := protocol.New(protocol.TypingIndicator)
	typing.WriteString("bob")
	typing.WriteUint32(1)
	sendPacket(t, aliceConn, typing)

	received := readPacket(t, bobConn, 5*time.Second)
	if received.Type != protocol.TypingIndicator {
		t.Fatalf("Expected TypingIndicator, got type %d", received.Type)
	}
	sender, _ := received.ReadString()
	flag, _ := received.ReadUint32()
	if sender != "alice" || flag != 1 {
		t.Errorf("Expected alice typing, got %q flag %d", sender, flag)
	}
}

func TestAvatarUpdateAndFetch(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	avatar := []byte{0x89, 0x50, 0x4E, 0x47, 9, 8, 7}
	update := protocol.New(protocol.UpdateAvatar)
	update.WriteUint32(uint32(len(avatar)))
	update.WriteBytes(avatar)
	sendPacket(t, aliceConn, update)

	// Avatar persistence is asynchronous.
	time.Sleep(300 * time.Millisecond)

	bobConn := dialServer(t, addr)
	defer bobConn.Close()
	register(t, bobConn, "bob", "pw")

	get := protocol.New(protocol.GetAvatar)
	get.WriteString("alice")
	sendPacket(t, bobConn, get)

	resp := readPacket(t, bobConn, 5*time.Second)
	if resp.Type != protocol.AvatarData {
		t.Fatalf("Expected AvatarData, got type %d", resp.Type)
	}
	owner, _ := resp.ReadString()
	size, _ := resp.ReadUint32()
	data, err := resp.ReadBytes(size)
	if err != nil {
		t.Fatalf("Failed to read avatar payload: %v", err)
	}
	if owner != "alice" || !bytes.Equal(data, avatar) {
		t.Errorf("Avatar mismatch: owner=%q payload=%x", owner, data)
	}
}

func TestStatusChangeBroadcastToFollowers(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	bobConn := dialServer(t, addr)
	defer bobConn.Close()
	register(t, bobConn, "bob", "pw")

	// Alice follows bob, so bob's status changes reach her.
	add := protocol.New(protocol.AddContact)
	add.WriteString("bob")
	sendPacket(t, aliceConn, add)
	if resp := readPacket(t, aliceConn, 5*time.Second); resp.Type != protocol.ContactList {
		t.Fatalf("Expected ContactList, got type %d", resp.Type)
	}

	away := protocol.New(protocol.ContactStatusChange)
	away.WriteUint32(models.StatusAway)
	sendPacket(t, bobConn, away)

	notify := readPacket(t, aliceConn, 5*time.Second)
	if notify.Type != protocol.ContactStatusChange {
		t.Fatalf("Expected ContactStatusChange, got type %d", notify.Type)
	}
	status, _ := notify.ReadUint32()
	who, _ := notify.ReadString()
	if status != models.StatusAway || who != "bob" {
		t.Errorf("Expected bob away, got %q status %d", who, status)
	}
}

func TestGameStatusBroadcast(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	bobConn := dialServer(t, addr)
	defer bobConn.Close()
	register(t, bobConn, "bob", "pw")

	// Alice's friends see her game updates.
	add := protocol.New(protocol.AddContact)
	add.WriteString("bob")
	sendPacket(t, aliceConn, add)
	if resp := readPacket(t, aliceConn, 5*time.Second); resp.Type != protocol.ContactList {
		t.Fatalf("Expected ContactList, got type %d", resp.Type)
	}

	game := protocol.New(protocol.GameStatus)
	game.WriteString("brickbreaker")
	game.WriteUint32(12345)
	sendPacket(t, aliceConn, game)

	received := readPacket(t, bobConn, 5*time.Second)
	if received.Type != protocol.GameStatus {
		t.Fatalf("Expected GameStatus, got type %d", received.Type)
	}
	who, _ := received.ReadString()
	name, _ := received.ReadString()
	score, _ := received.ReadUint32()
	if who != "alice" || name != "brickbreaker" || score != 12345 {
		t.Errorf("Game broadcast mismatch: %q %q %d", who, name, score)
	}
}

func TestPresenceNotificationOnLoginAndDisconnect(t *testing.T) {
	_, addr, cleanup := setupTestServer(t)
	defer cleanup()

	bobConn := dialServer(t, addr)
	register(t, bobConn, "bob", "pw")
	bobConn.Close()
	time.Sleep(200 * time.Millisecond)

	aliceConn := dialServer(t, addr)
	defer aliceConn.Close()
	register(t, aliceConn, "alice", "pw")

	add := protocol.New(protocol.AddContact)
	add.WriteString("bob")
	sendPacket(t, aliceConn, add)
	if resp := readPacket(t, aliceConn, 5*time.Second); resp.Type != protocol.ContactList {
		t.Fatalf("Expected ContactList, got type %d", resp.Type)
	}

	// Bob coming online notifies his follower.
	bobConn = dialServer(t, addr)
	if resp := login(t, bobConn, "bob", "pw"); resp.Type != protocol.LoginSuccess {
		t.Fatalf("Expected LoginSuccess, got type %d", resp.Type)
	}

	notify := readPacket(t, aliceConn, 5*time.Second)
	if notify.Type != protocol.ContactStatusChange {
		t.Fatalf("Expected online notification, got type %d", notify.Type)
	}
	status, _ := notify.ReadUint32()
	who, _ := notify.ReadString()
	if status != models.StatusOnline || who != "bob" {
		t.Errorf("Expected bob online, got %q status %d", who, status)
	}

	// And dropping the connection notifies again.
	bobConn.Close()
	notify = readPacket(t, aliceConn, 5*time.Second)
	if notify.Type != protocol.ContactStatusChange {
		t.Fatalf("Expected offline notification, got type %d", notify.Type)
	}
	status, _ = notify.ReadUint32()
	who, _ = notify.ReadString()
	if status != models.StatusOffline || who != "bob" {
		t.Errorf("Expected bob offline, got %q status %d", who, status)
	}
}

func TestGetStats(t *testing.T) {
	srv, addr, cleanup := setupTestServer(t)
	defer cleanup()

	conn := dialServer(t, addr)
	defer conn.Close()
	register(t, conn, "alice", "pw")

	stats := srv.GetStats()
	if stats == "" {
		t.Fatal("Expected stats snapshot")
	}
	if !bytes.Contains([]byte(stats), []byte("alice")) {
		t.Errorf("Expected alice in stats, got %q", stats)
	}
}
