// Package sftpx is an SFTP client library built for unattended transfers.
//
// This package provides:
//   - A Session with an explicit lifecycle: connect, verify host key, authenticate
//   - Per-operation channels, so a Session can be shared between goroutines
//   - Resumable uploads and downloads with size confirmation
//   - Parallel directory and tree transfers
//   - Retry with exponential backoff, filtered by error type or value
//   - Session pooling for repeated work against the same host
//
// # Basic Usage
//
// Dial a host and upload a file:
//
//	opts, err := sftpx.NewConnectionOptions() // ~/.ssh/known_hosts
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	session, err := sftpx.Dial(ctx, sftpx.Config{
//		Host:    "example.com",
//		User:    "deploy",
//		KeyPath: "~/.ssh/id_ed25519",
//		Options: opts,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Close()
//
//	_, err = session.Put(ctx, "/local/path/file.txt", "/remote/path/file.txt",
//		sftpx.TransferOptions{Resume: true, Retry: sftpx.DefaultRetryPolicy()})
//
// # Step by step
//
// Dial is shorthand for the individual lifecycle steps, which can also be
// driven directly:
//
//	s, _ := sftpx.NewSession(cfg)
//	_ = s.Connect(ctx)             // NEGOTIATED
//	_ = s.VerifyHostIdentity()     // host key checked
//	_ = s.Authenticate(ctx, cred)  // ACTIVE
//
// # Directory Transfers
//
//	// One directory level, files only
//	_, err = session.GetDir(ctx, "/srv/export", "./export", sftpx.BulkOptions{})
//
//	// Whole trees
//	err = session.PutTree(ctx, "./site", "/var/www/site", sftpx.BulkOptions{Workers: 8})
package sftpx
