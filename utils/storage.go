package utils

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true}

// LocalStorage lists background images from a directory served under URLPrefix.
type LocalStorage struct {
	Dir       string
	URLPrefix string
}

func (ls *LocalStorage) ListImages(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(ls.Dir, prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var urls []string
	for _, entry := range entries {
		if entry.IsDir() || !imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		urls = append(urls, path.Join(ls.URLPrefix, prefix, entry.Name()))
	}
	SortNatural(urls)
	return urls, nil
}

// S3Storage lists background images from an S3-compatible bucket.
type S3Storage struct {
	Client     *minio.Client
	BucketName string
	PublicURL  string
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket, region, publicURL string, useSSL bool) (*S3Storage, error) {
	// Strip scheme if present
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	var creds *credentials.Credentials
	if accessKey == "" || secretKey == "" {
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := minioClient.BucketExists(context.Background(), bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	if publicURL == "" {
		protocol := "http"
		if useSSL {
			protocol = "https"
		}
		publicURL = fmt.Sprintf("%s://%s.%s", protocol, bucket, endpoint)
	}

	return &S3Storage{
		Client:     minioClient,
		BucketName: bucket,
		PublicURL:  strings.TrimSuffix(publicURL, "/"),
	}, nil
}

func (s3 *S3Storage) ListImages(ctx context.Context, prefix string) ([]string, error) {
	var urls []string
	for obj := range s3.Client.ListObjects(ctx, s3.BucketName, minio.ListObjectsOptions{
		Prefix:    strings.TrimSuffix(prefix, "/") + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if !imageExts[strings.ToLower(path.Ext(obj.Key))] {
			continue
		}
		urls = append(urls, s3.PublicURL+"/"+obj.Key)
	}
	SortNatural(urls)
	return urls, nil
}

// SortNatural orders names so that embedded numbers compare by value (back2 < back10).
func SortNatural(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return naturalLess(names[i], names[j])
	})
}

func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ra, rb := rune(a[0]), rune(b[0])
		if unicode.IsDigit(ra) && unicode.IsDigit(rb) {
			na, restA := leadingNumber(a)
			nb, restB := leadingNumber(b)
			if na != nb {
				return na < nb
			}
			a, b = restA, restB
			continue
		}
		if ra != rb {
			return ra < rb
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingNumber(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.Atoi(s[:i])
	return n, s[i:]
}
