package auth

// Version is reported by /ok, the CLI and the OpenAPI document.
const Version = "0.3.0"
