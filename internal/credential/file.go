package credential

import (
	"context"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// tokenPaths are the JSON fields searched for the access token, in order.
// "accessToken" is what `az account get-access-token` prints; "access_token"
// is the OAuth2 token response field.
var tokenPaths = []string{"accessToken", "access_token", "token"}

// File reads a JSON token document on every call. It lets an external
// process (a CLI login, a sidecar) own issuance and renewal.
type File struct {
	Path string
}

// FromFile returns a CredentialSource reading the token document at path.
func FromFile(path string) *File {
	return &File{Path: path}
}

// Token reads the file and extracts the access token. Scopes are ignored.
func (f *File) Token(_ context.Context, _ []string) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("credential: read token file: %w", err)
	}
	return parseTokenDocument(data)
}

func parseTokenDocument(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("credential: token file is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	for _, p := range tokenPaths {
		if v := doc.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str, nil
		}
	}
	return "", errEmptyToken
}
