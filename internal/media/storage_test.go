package media_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"courtside.app/coach/internal/media"
)

func readJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	Expect(json.NewEncoder(w).Encode(body)).To(Succeed())
}

// fakeStorage emulates the storage collaborator: it grants upload slots,
// accepts PUTs on the granted write URLs, and converts on request.
type fakeStorage struct {
	server *httptest.Server

	mu        sync.Mutex
	uploaded  map[string][]byte
	converted []string

	declineConversion bool
	failConversion    bool
	failUpload        bool
	blockUpload       chan struct{}
}

func newFakeStorage() *fakeStorage {
	f := &fakeStorage{uploaded: make(map[string][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload-slot", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filename string `json:"filename"`
		}
		Expect(readJSON(r, &req)).To(Succeed())
		writeJSON(w, map[string]string{
			"write_url": f.server.URL + "/objects/" + req.Filename,
			"read_url":  "https://cdn.example.com/" + req.Filename,
			"key":       req.Filename,
		})
	})
	mux.HandleFunc("PUT /objects/{key}", func(w http.ResponseWriter, r *http.Request) {
		if f.blockUpload != nil {
			<-f.blockUpload
		}
		if f.failUpload {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, err := io.ReadAll(r.Body)
		Expect(err).NotTo(HaveOccurred())
		f.mu.Lock()
		f.uploaded[r.PathValue("key")] = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /convert", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key string `json:"key"`
		}
		Expect(readJSON(r, &req)).To(Succeed())
		f.mu.Lock()
		f.converted = append(f.converted, req.Key)
		f.mu.Unlock()

		switch {
		case f.failConversion:
			w.WriteHeader(http.StatusInternalServerError)
		case f.declineConversion:
			writeJSON(w, map[string]any{"converted": false})
		default:
			writeJSON(w, map[string]any{
				"converted": true,
				"read_url":  "https://cdn.example.com/converted/" + req.Key,
				"key":       "converted/" + req.Key,
			})
		}
	})

	f.server = httptest.NewServer(mux)
	return f
}

func (f *fakeStorage) service() *media.Service {
	return media.NewService(media.NewUploader(f.server.URL), media.NewConverter(f.server.URL))
}

func (f *fakeStorage) uploadedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.uploaded))
	for k := range f.uploaded {
		keys = append(keys, k)
	}
	return keys
}

var _ = Describe("Service", func() {
	var storage *fakeStorage

	BeforeEach(func() {
		storage = newFakeStorage()
		DeferCleanup(storage.server.Close)
	})

	store := func(needsConversion bool, onProgress media.ProgressFunc) (*media.Reference, error) {
		return storage.service().Store(context.Background(),
			"backhand.mov", "video/quicktime",
			strings.NewReader("fake video bytes"), 16,
			needsConversion, onProgress)
	}

	It("uploads under a collision-free key and returns the read URL", func() {
		ref, err := store(false, nil)
		Expect(err).NotTo(HaveOccurred())

		keys := storage.uploadedKeys()
		Expect(keys).To(HaveLen(1))
		Expect(keys[0]).To(HaveSuffix(".mov"))
		Expect(keys[0]).NotTo(ContainSubstring("backhand"))
		_, parseErr := uuid.Parse(strings.TrimSuffix(keys[0], ".mov"))
		Expect(parseErr).NotTo(HaveOccurred())

		Expect(ref.Key).To(Equal(keys[0]))
		Expect(ref.URL).To(Equal("https://cdn.example.com/" + keys[0]))
		Expect(storage.uploaded[keys[0]]).To(Equal([]byte("fake video bytes")))
	})

	It("reports monotonic progress ending at 100", func() {
		var percents []float64
		_, err := store(false, func(pct float64) {
			percents = append(percents, pct)
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(percents).NotTo(BeEmpty())
		for i := 1; i < len(percents); i++ {
			Expect(percents[i]).To(BeNumerically(">=", percents[i-1]))
		}
		Expect(percents[len(percents)-1]).To(Equal(100.0))
	})

	It("swaps in the converted reference when conversion succeeds", func() {
		ref, err := store(true, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(storage.converted).To(HaveLen(1))
		Expect(ref.Key).To(HavePrefix("converted/"))
		Expect(ref.URL).To(HavePrefix("https://cdn.example.com/converted/"))
	})

	It("keeps the original reference when the service declines", func() {
		storage.declineConversion = true

		ref, err := store(true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ref.URL).To(Equal("https://cdn.example.com/" + ref.Key))
	})

	It("keeps the original reference when conversion fails", func() {
		storage.failConversion = true

		ref, err := store(true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ref.URL).To(Equal("https://cdn.example.com/" + ref.Key))
	})

	It("skips conversion when not requested", func() {
		_, err := store(false, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(storage.converted).To(BeEmpty())
	})

	It("fails the store on a rejected upload", func() {
		storage.failUpload = true

		_, err := store(false, nil)
		Expect(err).To(MatchError(ContainSubstring("upload failed")))
	})

	It("surfaces the cancellation cause when the context is cancelled mid-upload", func() {
		storage.blockUpload = make(chan struct{})
		defer close(storage.blockUpload)

		cause := errors.New("stopped by user")
		ctx, cancel := context.WithCancelCause(context.Background())

		done := make(chan error, 1)
		go func() {
			_, err := storage.service().Store(ctx,
				"clip.mp4", "video/mp4",
				strings.NewReader("bytes"), 5, false, nil)
			done <- err
		}()

		cancel(cause)
		Eventually(done).Should(Receive(MatchError(cause)))
	})
})
