package activity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hunterwarburton/qnabot/internal/embed/embedtest"
	"github.com/hunterwarburton/qnabot/internal/indexer"
	"github.com/hunterwarburton/qnabot/internal/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	texts []string
}

func (r *recordingSender) SendText(ctx context.Context, text string) error {
	r.texts = append(r.texts, text)
	return nil
}

type fakeIngester struct {
	paths []string
	err   error
}

func (f *fakeIngester) CreateIndexAndUploadDocument(ctx context.Context, path string) (*indexer.Result, error) {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return nil, f.err
	}
	return &indexer.Result{ParentID: indexer.DocumentID(filepath.Base(path)), Title: filepath.Base(path), Chunks: 1}, nil
}

type fakePlanner struct {
	inputs []string
	reply  string
	err    error
}

func (f *fakePlanner) CompletePrompt(ctx context.Context, conversationID, input string) (string, error) {
	f.inputs = append(f.inputs, input)
	return f.reply, f.err
}

func fileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.txt":
			w.Write([]byte("Employees get twenty vacation days."))
		case "/big.txt":
			w.Write([]byte(strings.Repeat("x", 64)))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Item not found"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHandler(t *testing.T, ing Ingester, pl Planner, opts ...Option) (*Handler, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Files")
	return NewHandler(ing, pl, append([]Option{WithDownloadsDir(dir)}, opts...)...), dir
}

func messageWithFile(name, url string, text string) *Activity {
	return &Activity{
		Type:           TypeMessage,
		ConversationID: "conv",
		From:           Account{ID: "user"},
		Text:           text,
		Attachments: []Attachment{
			{ContentType: "text/html", Content: []byte(`"<p>ignored</p>"`)},
			NewFileAttachment(name, url),
		},
	}
}

func TestOnMessage_MissingDownloadURL(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no content", ""},
		{"no downloadUrl field", `{"uniqueId":"1"}`},
		{"blank downloadUrl", `{"downloadUrl":"  "}`},
		{"malformed json", `{"downloadUrl":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing, pl := &fakeIngester{}, &fakePlanner{reply: "answer"}
			h, _ := newTestHandler(t, ing, pl)
			s := &recordingSender{}

			a := &Activity{Type: TypeMessage, Text: "hi", Attachments: []Attachment{{
				ContentType: FileDownloadInfoContentType, Name: "a.txt", Content: []byte(tt.content),
			}}}
			require.NoError(t, h.OnMessage(context.Background(), a, s))

			assert.Equal(t, []string{MissingURLText}, s.texts)
			assert.Empty(t, ing.paths)
			assert.Empty(t, pl.inputs, "no model call for this turn")
		})
	}
}

func TestOnMessage_DownloadNotFound(t *testing.T) {
	srv := fileServer(t)
	ing, pl := &fakeIngester{}, &fakePlanner{reply: "answer"}
	h, dir := newTestHandler(t, ing, pl)
	s := &recordingSender{}

	require.NoError(t, h.OnMessage(context.Background(), messageWithFile("gone.txt", srv.URL+"/gone.txt", "hi"), s))

	assert.Equal(t, []string{"File download failed. Reason: Item not found"}, s.texts)
	assert.Empty(t, ing.paths, "index upload not invoked")
	assert.Empty(t, pl.inputs)
	assert.NoFileExists(t, filepath.Join(dir, "gone.txt"))
}

func TestOnMessage_DownloadTooLarge(t *testing.T) {
	srv := fileServer(t)
	ing := &fakeIngester{}
	h, _ := newTestHandler(t, ing, &fakePlanner{}, WithMaxDownloadBytes(10))
	s := &recordingSender{}

	require.NoError(t, h.OnMessage(context.Background(), messageWithFile("big.txt", srv.URL+"/big.txt", ""), s))
	require.Len(t, s.texts, 1)
	assert.Equal(t, DownloadFailedText+"file is larger than 10 bytes", s.texts[0])
	assert.Empty(t, ing.paths)
}

func TestOnMessage_IndexesThenAnswers(t *testing.T) {
	srv := fileServer(t)
	ing, pl := &fakeIngester{}, &fakePlanner{reply: "Twenty days."}
	h, dir := newTestHandler(t, ing, pl)
	s := &recordingSender{}

	require.NoError(t, h.OnMessage(context.Background(), messageWithFile("a.txt", srv.URL+"/a.txt", "How many vacation days?"), s))

	path := filepath.Join(dir, "a.txt")
	assert.Equal(t, []string{path}, ing.paths)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Employees get twenty vacation days.", string(data))

	assert.Equal(t, []string{"Indexed a.txt (1 chunk(s)).", "Twenty days."}, s.texts)
	assert.Equal(t, []string{"How many vacation days?"}, pl.inputs)
}

func TestOnMessage_FileOnlyStillAsksModel(t *testing.T) {
	srv := fileServer(t)
	ing, pl := &fakeIngester{}, &fakePlanner{reply: "a.txt is indexed. Ask me about it."}
	h, _ := newTestHandler(t, ing, pl)
	s := &recordingSender{}

	require.NoError(t, h.OnMessage(context.Background(), messageWithFile("a.txt", srv.URL+"/a.txt", " "), s))
	assert.Equal(t, []string{"Indexed a.txt (1 chunk(s)).", "a.txt is indexed. Ask me about it."}, s.texts)
	assert.Equal(t, []string{""}, pl.inputs)
}

func TestOnMessage_SameNameOverwrites(t *testing.T) {
	srv := fileServer(t)
	h, dir := newTestHandler(t, &fakeIngester{}, &fakePlanner{})
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("old"), 0o644))

	require.NoError(t, h.OnMessage(context.Background(), messageWithFile("a.txt", srv.URL+"/a.txt", ""), &recordingSender{}))
	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Employees get twenty vacation days.", string(data))
}

func TestOnMessage_IndexingFailureIsReported(t *testing.T) {
	srv := fileServer(t)
	ing, pl := &fakeIngester{err: errors.New("index not ready")}, &fakePlanner{reply: "answer"}
	h, _ := newTestHandler(t, ing, pl)
	s := &recordingSender{}

	require.NoError(t, h.OnMessage(context.Background(), messageWithFile("a.txt", srv.URL+"/a.txt", "question"), s))
	assert.Equal(t, []string{"Failed to index a.txt: index not ready"}, s.texts)
	assert.Empty(t, pl.inputs)
}

func TestOnMessage_ModelFailureIsDistinct(t *testing.T) {
	h, _ := newTestHandler(t, &fakeIngester{}, &fakePlanner{err: errors.New("500")})
	s := &recordingSender{}

	require.NoError(t, h.OnMessage(context.Background(), &Activity{Type: TypeMessage, Text: "question"}, s))
	assert.Equal(t, []string{ModelFailureText}, s.texts)
}

func TestOnMessage_TextOnly(t *testing.T) {
	ing, pl := &fakeIngester{}, &fakePlanner{reply: "hello"}
	h, _ := newTestHandler(t, ing, pl)
	s := &recordingSender{}

	require.NoError(t, h.OnMessage(context.Background(), &Activity{Type: TypeMessage, Text: "hi"}, s))
	assert.Equal(t, []string{"hello"}, s.texts)
	assert.Empty(t, ing.paths)

	s.texts = nil
	require.NoError(t, h.OnMessage(context.Background(), &Activity{Type: TypeMessage, Text: "  "}, s))
	assert.Equal(t, []string{"hello"}, s.texts, "blank text is still answered")
	assert.Equal(t, []string{"hi", ""}, pl.inputs)
}

func TestOnMembersAdded(t *testing.T) {
	h, _ := newTestHandler(t, &fakeIngester{}, &fakePlanner{})
	s := &recordingSender{}

	a := &Activity{
		Type:         TypeConversationUpdate,
		Recipient:    Account{ID: "bot"},
		MembersAdded: []Account{{ID: "bot"}, {ID: "u1"}, {ID: "u2"}},
	}
	require.NoError(t, h.Handle(context.Background(), a, s))
	assert.Equal(t, []string{WelcomeText, WelcomeText}, s.texts)
}

func TestHandle_IgnoresUnknownTypes(t *testing.T) {
	h, _ := newTestHandler(t, &fakeIngester{}, &fakePlanner{reply: "x"})
	s := &recordingSender{}
	require.NoError(t, h.Handle(context.Background(), &Activity{Type: "typing", Text: "hi"}, s))
	assert.Empty(t, s.texts)
}

func TestSafeFileName(t *testing.T) {
	tests := map[string]string{
		"a.txt":             "a.txt",
		"../../etc/passwd":  "passwd",
		`..\..\boot.ini`:    "boot.ini",
		"dir/notes.md":      "notes.md",
		"":                  "attachment",
		"..":                "attachment",
		"/":                 "attachment",
		"report 2024 Q1.txt": "report 2024 Q1.txt",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeFileName(in), "input %q", in)
	}
}

func TestOnMessage_WithRealIndexer(t *testing.T) {
	srv := fileServer(t)
	mem := rag.NewMemoryIndex("my-documents", 32)
	ix := indexer.New(mem, embedtest.New(32))
	h, _ := newTestHandler(t, ix, &fakePlanner{reply: "ok"})
	s := &recordingSender{}

	require.NoError(t, h.OnMessage(context.Background(), messageWithFile("a.txt", srv.URL+"/a.txt", "q"), s))
	assert.Equal(t, []string{"Indexed a.txt (1 chunk(s)).", "ok"}, s.texts)
	assert.Equal(t, 1, mem.Len())
}
