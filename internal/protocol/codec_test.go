package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/memalerts/backend/internal/models"
)

func sampleMessages() []Message {
	submitted := time.Date(2024, time.March, 2, 15, 4, 5, 0, time.UTC)
	friend := models.FriendInfo{
		FriendshipID:      "fs-1",
		UserID:            "user-2",
		Login:             "bob",
		Email:             "bob@example.com",
		Status:            models.FriendshipPending,
		IsIncomingRequest: true,
	}

	return []Message{
		LoginRequest{Identifier: "alice", Password: "secret1"},
		LoginWithTokenRequest{Token: "tok"},
		RegisterRequest{Login: "alice", Email: "alice@example.com", Password: "secret1"},
		AuthResponse{Success: true, Token: "tok", UserID: "user-1", UserLogin: "alice", UserEmail: "alice@example.com"},
		AuthResponse{ErrorCode: "invalid_credentials", ErrorMessage: "invalid login or password"},
		AlertRequestMessage{Request: models.AlertRequest{
			ID: "alert-1",
			Video: models.AlertVideo{
				ID:              "vid-1",
				Title:           "Airhorn",
				Source:          "https://cdn.example.com/airhorn.mp4",
				Thumbnail:       "https://cdn.example.com/airhorn.jpg",
				DurationSeconds: 5,
				Price:           5,
			},
			ViewerName:      "alice",
			Message:         "gg",
			TipAmount:       12.5,
			SubmittedAt:     submitted,
			Status:          models.RequestQueued,
			RecipientUserID: "user-2",
		}},
		SearchUsersRequest{Query: "bo"},
		SearchUsersResponse{Success: true, Users: []models.UserSearchResult{{UserID: "user-2", Login: "bob", Email: "bob@example.com", HasPendingRequest: true}}},
		SendFriendRequestMessage{FriendUserID: "user-2"},
		FriendRequestResponse{Success: true, Friend: &friend},
		FriendRequestResponse{ErrorCode: "already_friends", ErrorMessage: "already friends"},
		GetFriendsRequest{},
		GetFriendsResponse{Success: true, Friends: []models.FriendInfo{friend}, PendingRequests: []models.FriendInfo{}},
		AcceptFriendRequestMessage{FriendshipID: "fs-1"},
		RejectFriendRequestMessage{FriendshipID: "fs-1"},
		RemoveFriendRequestMessage{FriendshipID: "fs-1"},
		IncomingFriendRequestNotification{FriendRequest: friend},
		FriendshipChangedNotification{FriendshipID: "fs-1", Status: models.FriendshipAccepted, UserID: "user-2"},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, msg := range sampleMessages() {
		t.Run(string(msg.Type()), func(t *testing.T) {
			payload := Encode(msg)

			decoded, err := Decode(payload)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(decoded, msg) {
				t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", decoded, msg)
			}
			if again := Encode(decoded); !bytes.Equal(again, payload) {
				t.Fatalf("re-encoding changed bytes:\n got %s\nwant %s", again, payload)
			}
		})
	}
}

func TestEncodeCarriesDiscriminator(t *testing.T) {
	payload := Encode(GetFriendsRequest{})
	if string(payload) != `{"type":"get_friends"}` {
		t.Fatalf("unexpected payload %s", payload)
	}

	payload = Encode(SearchUsersRequest{Query: "x"})
	if !strings.HasPrefix(string(payload), `{"type":"search_users",`) {
		t.Fatalf("expected discriminator first, got %s", payload)
	}
}

func TestEncodeNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic encoding nil message")
		}
	}()
	Encode(nil)
}

func TestDecodeFailures(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"malformedJSON", `{"type":`},
		{"missingType", `{"query":"x"}`},
		{"unknownType", `{"type":"self_destruct"}`},
		{"wrongFieldType", `{"type":"search_users","query":42}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsFramingError(err) {
				t.Fatalf("expected framing error, got %v", err)
			}
		})
	}
}

func TestCodecStreamRoundTrip(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer

	messages := sampleMessages()
	for _, msg := range messages {
		if err := codec.WriteMessage(&buf, msg); err != nil {
			t.Fatalf("write %s: %v", msg.Type(), err)
		}
	}

	for _, want := range messages {
		got, err := codec.ReadMessage(&buf)
		if err != nil {
			t.Fatalf("read %s: %v", want.Type(), err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("stream mismatch: got %#v want %#v", got, want)
		}
	}

	if _, err := codec.ReadMessage(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestFrameMatchesWriteFrame(t *testing.T) {
	msg := LoginRequest{Identifier: "alice", Password: "pw"}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Encode(msg)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), Frame(msg)) {
		t.Fatal("Frame and WriteFrame disagree")
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:HeaderSize]); int(got) != buf.Len()-HeaderSize {
		t.Fatalf("length prefix %d does not match payload %d", got, buf.Len()-HeaderSize)
	}
}

func TestReadFrameOversizedIsSkipped(t *testing.T) {
	const limit = 64
	var buf bytes.Buffer

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, limit+1)
	buf.Write(header)
	buf.Write(bytes.Repeat([]byte("x"), limit+1))

	follow := SearchUsersRequest{Query: "after"}
	if err := WriteFrame(&buf, Encode(follow)); err != nil {
		t.Fatalf("write follow-up: %v", err)
	}

	codec := NewCodec(limit)
	_, err := codec.ReadMessage(&buf)
	var framingErr *FramingError
	if !errors.As(err, &framingErr) {
		t.Fatalf("expected FramingError, got %v", err)
	}
	if framingErr.Length != limit+1 {
		t.Fatalf("expected declared length to be reported, got %d", framingErr.Length)
	}

	got, err := codec.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("expected stream to stay aligned, got %v", err)
	}
	if !reflect.DeepEqual(got, follow) {
		t.Fatalf("unexpected follow-up message %#v", got)
	}
}

type countingReader struct {
	r     io.Reader
	reads int
	max   int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++
	if len(p) > c.max {
		c.max = len(p)
	}
	return c.r.Read(p)
}

func TestReadFrameHugeDeclarationDoesNotAllocate(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, 0xFFFFFFF0)

	reader := &countingReader{r: bytes.NewReader(header)}
	_, err := ReadFrame(reader, 1024)
	if err == nil {
		t.Fatal("expected error for truncated oversized frame")
	}
	if IsFramingError(err) {
		t.Fatalf("truncated stream must be fatal, got framing error %v", err)
	}
	if reader.max > 64*1024 {
		t.Fatalf("reader was asked for %d bytes at once", reader.max)
	}
}

func TestReadFrameZeroLength(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, HeaderSize))
	_, err := ReadFrame(buf, 0)
	if !IsFramingError(err) {
		t.Fatalf("expected framing error for zero length, got %v", err)
	}
}

func TestWriteMessageRespectsCeiling(t *testing.T) {
	codec := NewCodec(16)
	err := codec.WriteMessage(io.Discard, SearchUsersRequest{Query: strings.Repeat("q", 32)})
	if !IsFramingError(err) {
		t.Fatalf("expected framing error for oversized outgoing frame, got %v", err)
	}
}
