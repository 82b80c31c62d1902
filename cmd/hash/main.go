// Package main generates a bearer token for the provisioning API. It prints the raw token,
// which callers send as "Authorization: Bearer <token>", and its bcrypt hash, which goes in
// security.api_token_hash (or SPV_SECURITY_API_TOKEN_HASH). Only the hash is stored.
package main

import (
	"fmt"
	"log"

	"github.com/site-provisioner/site-provisioner/internal/auth"
)

func main() {
	token, hash, err := auth.GenerateAPIToken(auth.APITokenPrefix)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Token (shown once):")
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Hash (security.api_token_hash):")
	fmt.Println(hash)
}
