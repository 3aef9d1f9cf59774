package crypto

import "testing"

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	e, err := NewEncryptor("some-master-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	ciphertext, err := e.Encrypt("sk-secret-value")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == "sk-secret-value" {
		t.Fatal("ciphertext should not equal plaintext")
	}

	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "sk-secret-value" {
		t.Errorf("round trip = %q", plaintext)
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	e, _ := NewEncryptor("key")

	a, _ := e.Encrypt("same input")
	b, _ := e.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same input should differ by nonce")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	e1, _ := NewEncryptor("key-one")
	e2, _ := NewEncryptor("key-two")

	ciphertext, _ := e1.Encrypt("secret")
	if _, err := e2.Decrypt(ciphertext); err == nil {
		t.Error("decrypting with the wrong key must fail")
	}
}

func TestDecrypt_Garbage(t *testing.T) {
	e, _ := NewEncryptor("key")

	if _, err := e.Decrypt("not base64!!!"); err == nil {
		t.Error("invalid base64 must fail")
	}
	if _, err := e.Decrypt("aGk="); err == nil {
		t.Error("too-short ciphertext must fail")
	}
}

func TestEncryptTagged_And_MaybeDecrypt(t *testing.T) {
	e, _ := NewEncryptor("key")

	tagged, err := e.EncryptTagged("sk-abc")
	if err != nil {
		t.Fatalf("EncryptTagged() error = %v", err)
	}
	if !IsEncrypted(tagged) {
		t.Fatalf("tagged value %q should carry the enc: prefix", tagged)
	}

	got, err := e.MaybeDecrypt(tagged)
	if err != nil {
		t.Fatalf("MaybeDecrypt() error = %v", err)
	}
	if got != "sk-abc" {
		t.Errorf("MaybeDecrypt(tagged) = %q", got)
	}
}

func TestMaybeDecrypt_PlainPassthrough(t *testing.T) {
	e, _ := NewEncryptor("key")

	got, err := e.MaybeDecrypt("sk-plain")
	if err != nil || got != "sk-plain" {
		t.Errorf("plain value should pass through, got %q, %v", got, err)
	}
}

func TestMaybeDecrypt_NilReceiver(t *testing.T) {
	var e *Encryptor

	got, err := e.MaybeDecrypt("enc:whatever")
	if err != nil || got != "enc:whatever" {
		t.Errorf("nil encryptor should pass values through, got %q, %v", got, err)
	}
}

func TestIsEncrypted(t *testing.T) {
	if IsEncrypted("sk-plain") {
		t.Error("plain value is not encrypted")
	}
	if !IsEncrypted("enc:abc") {
		t.Error("enc: prefix marks ciphertext")
	}
}
