// Package grantd implements an OAuth2-style authorization code grant with
// refresh-token rotation.
//
// A client application redirects the resource owner through a login or
// signup step, receives a short-lived single-use authorization code, and
// exchanges it for a signed access/refresh token pair. Presenting the
// refresh token later rotates it: the old token is invalidated atomically
// and a new pair is issued.
//
// All transient protocol state (pending transactions, issued codes, live
// refresh-token markers) lives in an ephemeral record store
// (storage.Store) with TTLs and atomic create/consume primitives, so
// correctness holds across concurrent requests and across server instances
// sharing one backing store. In-memory and Valkey-backed stores ship in
// storage/memory and storage/valkey.
//
// Typical wiring:
//
//	store := memory.New()
//	registry, _ := clients.LoadFile("clients.yaml")
//	server, _ := grantd.NewServer(store, registry, users.NewMemoryStore(), &grantd.Config{
//		AccessTokenKey:  accessKey,
//		RefreshTokenKey: refreshKey,
//	}, logger)
//	handler := grantd.NewHandler(server, logger)
//	http.ListenAndServe(addr, handler.Routes())
package grantd
