// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package kss

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/devicecerts/core/logger"
)

// FilesystemRoute serves files of the LocalFilesystem through pre-signed URLs
const FilesystemRoute = "/kss/filesystem"

// LocalConfiguration contains the configuration for the local filesystem KSS
type LocalConfiguration struct {
	// BaseFolder receives the stored objects. This is mandatory.
	BaseFolder string
	// PrivateKey signs the URLs. A random key is generated if nil, which only
	// works for a single instance.
	PrivateKey *rsa.PrivateKey
}

// LocalFilesystem is the implementation of the KSS Driver for a local folder,
// for example a second disk or a network share
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

// NewLocalFilesystem returns a new LocalFilesystem and adds the download route to the router
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL) (*LocalFilesystem, error) {
	if config.BaseFolder == "" {
		return nil, fmt.Errorf("BaseFolder must not be empty")
	}
	if err := os.MkdirAll(config.BaseFolder, 0700); err != nil {
		return nil, err
	}
	privateKey := config.PrivateKey
	if privateKey == nil {
		logger.Default().Warn("No private key provided to sign URLs, a random one will be generated")
		logger.Default().Warn("This can only work when running in a single instance configuration")
		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	f := &LocalFilesystem{baseFolder: config.BaseFolder, publicURL: publicURL, privateKey: privateKey, now: time.Now}
	if router != nil {
		logger.Default().Debugln("  handle route: " + FilesystemRoute + " GET")
		router.HandleFunc(FilesystemRoute, f.handler).Methods(http.MethodGet)
	}
	return f, nil
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid key '%s'", key)
	}
	return filepath.Join(f.baseFolder, filepath.FromSlash(key)), nil
}

// Upload implements Driver
func (f *LocalFilesystem) Upload(ctx context.Context, key string, data []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	logger.FromContext(ctx).Debugln("uploaded", path)
	return nil
}

// Delete implements Driver
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.FromContext(ctx).WithError(err).Errorln("could not delete", path)
		return err
	}
	return nil
}

// PreSignedGetURL implements Driver
func (f *LocalFilesystem) PreSignedGetURL(ctx context.Context, key string, expireIn time.Duration) (string, error) {
	if _, err := f.path(key); err != nil {
		return "", err
	}
	expiry := f.now().Add(expireIn).UTC().Format(time.RFC3339)
	signature, err := f.sign(key, expiry)
	if err != nil {
		return "", err
	}
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", expiry)
	v.Set("signature", signature)
	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     strings.TrimSuffix(f.publicURL.Path, "/") + FilesystemRoute,
		RawQuery: v.Encode(),
	}
	return u.String(), nil
}

func (f *LocalFilesystem) digest(key, expiry string) []byte {
	hashed := sha256.Sum256([]byte(http.MethodGet + "\n" + key + "\n" + expiry))
	return hashed[:]
}

func (f *LocalFilesystem) sign(key, expiry string) (string, error) {
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.privateKey, crypto.SHA256, f.digest(key, expiry))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(signature), nil
}

// isValid tells whether the query carries a valid, unexpired signature
func (f *LocalFilesystem) isValid(v url.Values) bool {
	key, expiry := v.Get("key"), v.Get("expiry")
	if key == "" || expiry == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expiry)
	if err != nil || t.Before(f.now()) {
		return false
	}
	signature, err := base64.RawURLEncoding.DecodeString(v.Get("signature"))
	if err != nil {
		return false
	}
	return rsa.VerifyPKCS1v15(&f.privateKey.PublicKey, crypto.SHA256, f.digest(key, expiry), signature) == nil
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	if !f.isValid(v) {
		logger.FromContext(r.Context()).Errorf("invalid signature for %s", r.URL.String())
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	path, err := f.path(v.Get("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	logger.FromContext(r.Context()).Infof("Filesystem: [%s] key: '%s'", r.Method, v.Get("key"))
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}
