package extract

import (
	"strings"
	"testing"
)

func TestDecodeContentTextLiteralStrings(t *testing.T) {
	stream := []byte(`BT /F1 12 Tf (NOTA FISCAL) Tj 0 -14 Td (CNPJ: 12.345.678/0001-99) Tj ET`)
	got := decodeContentText(stream)

	if !strings.Contains(got, "NOTA FISCAL") {
		t.Fatalf("missing first string in %q", got)
	}
	if !strings.Contains(got, "CNPJ: 12.345.678/0001-99") {
		t.Fatalf("missing second string in %q", got)
	}
}

func TestDecodeContentTextTJArray(t *testing.T) {
	stream := []byte(`BT [(Valor) -250 (Total:) -250 (R$ 1.234,56)] TJ ET`)
	got := decodeContentText(stream)

	for _, want := range []string{"Valor", "Total:", "R$ 1.234,56"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestDecodeContentTextHexStrings(t *testing.T) {
	// "NF" is 4E46.
	stream := []byte(`BT <4E46> Tj ET`)
	if got := decodeContentText(stream); !strings.Contains(got, "NF") {
		t.Fatalf("hex string not decoded: %q", got)
	}
}

func TestDecodeContentTextEscapesAndNesting(t *testing.T) {
	stream := []byte(`BT (Acme \(Brasil\) LTDA) Tj (line1\nline2) Tj ET`)
	got := decodeContentText(stream)

	if !strings.Contains(got, "Acme (Brasil) LTDA") {
		t.Fatalf("escaped parens lost: %q", got)
	}
	if !strings.Contains(got, "line1\nline2") {
		t.Fatalf("escaped newline lost: %q", got)
	}
}

func TestDecodeContentTextStringsWithoutShowOperatorAreDropped(t *testing.T) {
	// A string consumed by a non-showing operator must not leak into output.
	stream := []byte(`BT (positioned) Td (shown) Tj ET`)
	got := decodeContentText(stream)

	if strings.Contains(got, "positioned") {
		t.Fatalf("operand of Td leaked into text: %q", got)
	}
	if !strings.Contains(got, "shown") {
		t.Fatalf("missing shown text: %q", got)
	}
}

func TestDecodeContentTextIgnoresComments(t *testing.T) {
	stream := []byte("% (not text)\nBT (real) Tj ET")
	got := decodeContentText(stream)

	if strings.Contains(got, "not text") {
		t.Fatalf("comment leaked: %q", got)
	}
	if !strings.Contains(got, "real") {
		t.Fatalf("missing text: %q", got)
	}
}

func TestSplitTextPrefersWhitespaceBreaks(t *testing.T) {
	words := strings.Repeat("palavra ", 100) // 800 bytes
	chunks := splitText(words, 300, 50)

	if len(chunks) < 3 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 300 {
			t.Fatalf("chunk %d exceeds size: %d bytes", i, len(c))
		}
		if i < len(chunks)-1 && strings.HasSuffix(c, "palav") {
			t.Fatalf("chunk %d breaks mid-word: %q", i, c[len(c)-10:])
		}
	}
}

func TestSplitTextShortInputIsOneChunk(t *testing.T) {
	chunks := splitText("short", 2000, 200)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("got %v", chunks)
	}
}

func TestUsableText(t *testing.T) {
	if !usableText("NOTA FISCAL DE SERVICOS ELETRONICA - Valor Total R$ 1.234,56") {
		t.Fatal("real invoice text should be usable")
	}
	if usableText("\x01\x02\x03\x04������") {
		t.Fatal("binary noise should be rejected")
	}
	if usableText("ok") {
		t.Fatal("text below the minimum length should be rejected")
	}
	if usableText("   \n\t  ") {
		t.Fatal("whitespace-only text should be rejected")
	}
}
