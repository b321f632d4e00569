package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"
)

func serviceAccountJSON(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	doc, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "printcraft-test",
		"private_key_id": "k1",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "signer@printcraft-test.iam.gserviceaccount.com",
		"token_uri":      "https://oauth2.googleapis.com/token",
	})
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	return doc, key
}

func TestServiceAccountSignerSignsVerifiably(t *testing.T) {
	doc, key := serviceAccountJSON(t)

	for name, secret := range map[string]string{
		"json":   string(doc),
		"base64": base64.StdEncoding.EncodeToString(doc),
	} {
		signer, err := NewServiceAccountSignerFromSecret(secret)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if signer.Email() != "signer@printcraft-test.iam.gserviceaccount.com" {
			t.Fatalf("%s: unexpected email %s", name, signer.Email())
		}
		payload := []byte("GOOG4-RSA-SHA256\n20260101T000000Z")
		sig, err := signer.SignBytes(context.Background(), payload)
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
			t.Fatalf("%s: signature does not verify: %v", name, err)
		}
	}
}

func TestServiceAccountSignerHonoursCancellation(t *testing.T) {
	doc, _ := serviceAccountJSON(t)
	signer, err := NewServiceAccountSignerFromSecret(string(doc))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signer.SignBytes(ctx, []byte("payload")); err == nil {
		t.Fatal("expected cancelled context to stop signing")
	}
}

func TestNewServiceAccountSignerFromSecretRejectsGarbage(t *testing.T) {
	for _, secret := range []string{
		"",
		"not-base64!!",
		`{"client_email":"a@b.c"}`,
		`{"type":"service_account","client_email":"a@b.c","private_key":"nope"}`,
	} {
		if _, err := NewServiceAccountSignerFromSecret(secret); err == nil {
			t.Fatalf("expected %q to be rejected", secret)
		}
	}
}
