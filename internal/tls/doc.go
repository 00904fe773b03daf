// Package tls loads and validates the listener certificate and keeps it
// current while the server runs.
//
// A Reloader serves the certificate through tls.Config.GetCertificate and
// swaps it when the files on disk change. A replacement that fails to load or
// validate is logged and the previous certificate stays in use.
package tls
