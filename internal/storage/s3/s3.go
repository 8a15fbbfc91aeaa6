/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package s3 implements a mailbox store on an S3-compatible object
// storage using minio-go.
//
//	storage.s3 {
//	    endpoint s3.example.com
//	    secure true
//	    access_key AKIA...
//	    secret_key ...
//	    bucket mail
//	    auth &local_users
//	}
//
// Message objects are named <object_prefix><domainDir>/<userDir>/<uid>.eml
// with the same directory folding and UID scheme as storage.fs, so a
// bucket can be inspected (or migrated to a directory tree) with plain
// object tools.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gmpassos/mailstack/framework/config"
	modconfig "github.com/gmpassos/mailstack/framework/config/module"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
	"github.com/gmpassos/mailstack/internal/storage"
)

const modName = "storage.s3"

const (
	credsTypeFileMinio = "file_minio"
	credsTypeFileAWS   = "file_aws"
	credsTypeAccessKey = "access_key"
	credsTypeIAM       = "iam"
)

type Store struct {
	instName string
	auth     module.UserDB

	endpoint     string
	cl           *minio.Client
	bucketName   string
	objectPrefix string

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments are accepted", modName)
	}
	return &Store{
		instName: instName,
		Log:      log.Logger{Name: modName},
	}, nil
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

func (s *Store) Init(cfg *config.Map) error {
	var (
		secure          bool
		accessKeyID     string
		secretAccessKey string
		credsType       string
		location        string
	)
	cfg.Bool("debug", true, false, &s.Log.Debug)
	cfg.String("endpoint", false, true, "", &s.endpoint)
	cfg.Bool("secure", false, true, &secure)
	cfg.String("access_key", false, false, "", &accessKeyID)
	cfg.String("secret_key", false, false, "", &secretAccessKey)
	cfg.String("bucket", false, true, "", &s.bucketName)
	cfg.String("region", false, false, "", &location)
	cfg.String("object_prefix", false, false, "", &s.objectPrefix)
	cfg.String("creds", false, false, credsTypeAccessKey, &credsType)
	cfg.Custom("auth", false, true, nil, modconfig.AuthDirective, &s.auth)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	var creds *credentials.Credentials
	switch credsType {
	case credsTypeFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case credsTypeFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case credsTypeIAM:
		creds = credentials.NewIAM("")
	case credsTypeAccessKey:
		creds = credentials.NewStaticV4(accessKeyID, secretAccessKey, "")
	default:
		return fmt.Errorf("%s: unknown creds type: %s", modName, credsType)
	}

	cl, err := minio.New(s.endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: location,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	s.cl = cl
	return nil
}

// mailboxPrefix returns the object key prefix for one mailbox, ending
// with a slash.
func (s *Store) mailboxPrefix(addr string) string {
	return s.objectPrefix + storage.MailboxPath(addr) + "/"
}

func (s *Store) ResolveMailboxes(rcpts []string) []string {
	return s.auth.ExistingUsers(rcpts)
}

func (s *Store) Store(from string, rcpts []string, body []byte) ([]string, error) {
	known := s.ResolveMailboxes(rcpts)
	if len(known) == 0 {
		return nil, nil
	}

	return storage.StoreEach(s.Log, known, func(rcpt string) error {
		uid := storage.NextUID()
		key := s.mailboxPrefix(rcpt) + uid + ".eml"

		_, err := s.cl.PutObject(context.Background(), s.bucketName, key,
			bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
				ContentType: "message/rfc822",
			})
		if err != nil {
			return err
		}

		s.Log.DebugMsg("message stored", "key", key, "from", from)
		return nil
	})
}

func (s *Store) ListUIDs(mailbox string) ([]string, error) {
	prefix := s.mailboxPrefix(mailbox)

	var uids []string
	for obj := range s.cl.ListObjects(context.Background(), s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("%s: %w", modName, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".eml") {
			continue
		}
		uids = append(uids, strings.TrimSuffix(name, ".eml"))
	}
	storage.SortUIDs(uids)
	return uids, nil
}

func (s *Store) CountUIDs(mailbox string) (int, error) {
	uids, err := s.ListUIDs(mailbox)
	if err != nil {
		return 0, err
	}
	return len(uids), nil
}

func (s *Store) FetchMessage(mailbox, uid string) ([]byte, error) {
	if uid == "" || strings.Contains(uid, "/") {
		return nil, module.ErrNoSuchMsg
	}

	obj, err := s.cl.GetObject(context.Background(), s.bucketName,
		s.mailboxPrefix(mailbox)+uid+".eml", minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, module.ErrNoSuchMsg
		}
		return nil, fmt.Errorf("%s: %w", modName, err)
	}
	return body, nil
}

func init() {
	module.Register(modName, New)
}

var _ module.Storage = (*Store)(nil)
