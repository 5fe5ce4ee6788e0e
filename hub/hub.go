// Package hub locates the files of a melody model repository: the vocabulary mapping, the model weights
// and, optionally, encoded corpora.
//
// A Repo is either a local directory (NewLocal) or a HuggingFace Hub model repository (New), whose files
// are downloaded on demand into a local cache shared by all processes:
//
//	repo := hub.New("my-org/folk-melodies").WithAuth(hfAuthToken)
//	mappingPath, err := repo.DownloadFile("mapping.json")
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DefaultEndpoint of the HuggingFace Hub.
const DefaultEndpoint = "https://huggingface.co"

// DefaultRevision downloaded if none is given.
const DefaultRevision = "main"

// DefaultDirCreationPerm is used when creating cache directories.
const DefaultDirCreationPerm = 0o755

// Repo represents a model repository, either local or in the HuggingFace Hub.
//
// It is safe for concurrent use after configuration.
type Repo struct {
	// ID of the repository in the hub, e.g. "my-org/folk-melodies". Empty for local repositories.
	ID string

	localDir  string
	revision  string
	authToken string
	cacheDir  string
	endpoint  string
	client    *http.Client

	muFiles   sync.Mutex
	fileNames []string
}

// New creates a Repo for the given HuggingFace Hub model id.
//
// The cache directory defaults to $HF_HUB_CACHE, $HF_HOME/hub or ~/.cache/huggingface/hub, and the
// auth token to $HF_TOKEN.
func New(id string) *Repo {
	return &Repo{
		ID:        id,
		revision:  DefaultRevision,
		authToken: os.Getenv("HF_TOKEN"),
		cacheDir:  DefaultCacheDir(),
		endpoint:  DefaultEndpoint,
		client:    http.DefaultClient,
	}
}

// NewLocal creates a Repo backed by a local directory: nothing is downloaded.
func NewLocal(dir string) *Repo {
	return &Repo{localDir: dir}
}

// DefaultCacheDir returns the directory where hub files are cached.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return filepath.Join(dir, "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// WithAuth sets the token used to access private repositories. It returns the Repo itself.
func (r *Repo) WithAuth(token string) *Repo {
	r.authToken = token
	return r
}

// WithRevision sets the branch, tag or commit to download. It returns the Repo itself.
func (r *Repo) WithRevision(revision string) *Repo {
	r.revision = revision
	r.resetFileNames()
	return r
}

// WithCacheDir sets the local cache directory. It returns the Repo itself.
func (r *Repo) WithCacheDir(dir string) *Repo {
	r.cacheDir = dir
	return r
}

// WithEndpoint sets the hub URL, e.g. for mirrors. It returns the Repo itself.
func (r *Repo) WithEndpoint(endpoint string) *Repo {
	r.endpoint = strings.TrimSuffix(endpoint, "/")
	r.resetFileNames()
	return r
}

// WithHTTPClient sets the client used for the hub API and downloads. It returns the Repo itself.
func (r *Repo) WithHTTPClient(client *http.Client) *Repo {
	r.client = client
	return r
}

// IsLocal returns whether the repository is a local directory.
func (r *Repo) IsLocal() bool {
	return r.localDir != ""
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	if r.IsLocal() {
		return "local:" + r.localDir
	}
	return r.ID + "@" + r.revision
}

func (r *Repo) resetFileNames() {
	r.muFiles.Lock()
	r.fileNames = nil
	r.muFiles.Unlock()
}

// repoCacheDir is where the files of this revision are stored.
func (r *Repo) repoCacheDir() string {
	flatID := "models--" + strings.ReplaceAll(r.ID, "/", "--")
	return filepath.Join(r.cacheDir, flatID, "snapshots", r.revision)
}

// listFiles returns the file names in the repository, fetching them from the hub only once.
func (r *Repo) listFiles(ctx context.Context) ([]string, error) {
	r.muFiles.Lock()
	defer r.muFiles.Unlock()
	if r.fileNames != nil {
		return r.fileNames, nil
	}

	var names []string
	if r.IsLocal() {
		err := filepath.WalkDir(r.localDir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(r.localDir, path)
			if err != nil {
				return err
			}
			names = append(names, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list files in %q", r.localDir)
		}
		// Local directories may change, so they are not cached.
		slices.Sort(names)
		return names, nil
	}

	infoURL := r.endpoint + "/api/models/" + r.ID + "/revision/" + url.PathEscape(r.revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "creating request for %q", infoURL)
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch repository info for %s", r)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to fetch repository info for %s: %s", r, resp.Status)
	}
	var info struct {
		Siblings []struct {
			Name string `json:"rfilename"`
		} `json:"siblings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.Wrapf(err, "failed to parse repository info for %s", r)
	}
	names = make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		names = append(names, s.Name)
	}
	slices.Sort(names)
	r.fileNames = names
	return names, nil
}

func (r *Repo) authorize(req *http.Request) {
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}
}

// IterFileNames iterates over the file names in the repository, in lexical order.
func (r *Repo) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		names, err := r.listFiles(context.Background())
		if err != nil {
			yield("", err)
			return
		}
		for _, name := range names {
			if !yield(name, nil) {
				return
			}
		}
	}
}

// HasFile returns whether the repository has the given file.
// Errors listing the repository are reported as the file not being there.
func (r *Repo) HasFile(fileName string) bool {
	if r.IsLocal() {
		info, err := os.Stat(filepath.Join(r.localDir, filepath.FromSlash(fileName)))
		return err == nil && !info.IsDir()
	}
	names, err := r.listFiles(context.Background())
	if err != nil {
		return false
	}
	_, found := slices.BinarySearch(names, fileName)
	return found
}

// DownloadFile returns the local path of the given repository file, downloading it if needed.
func (r *Repo) DownloadFile(fileName string) (string, error) {
	return r.DownloadFileContext(context.Background(), fileName)
}

// DownloadFileContext is like DownloadFile, but the download can be cancelled with ctx.
func (r *Repo) DownloadFileContext(ctx context.Context, fileName string) (string, error) {
	if strings.Contains(fileName, "..") || filepath.IsAbs(fileName) {
		return "", errors.Errorf("invalid repository file name %q", fileName)
	}
	if r.IsLocal() {
		localPath := filepath.Join(r.localDir, filepath.FromSlash(fileName))
		if _, err := os.Stat(localPath); err != nil {
			return "", errors.Wrapf(err, "file %q not found in %s", fileName, r)
		}
		return localPath, nil
	}
	fileURL := r.endpoint + "/" + r.ID + "/resolve/" + url.PathEscape(r.revision) + "/" + fileName
	localPath := filepath.Join(r.repoCacheDir(), filepath.FromSlash(fileName))
	if err := r.lockedDownload(ctx, fileURL, localPath, false); err != nil {
		return "", err
	}
	return localPath, nil
}
