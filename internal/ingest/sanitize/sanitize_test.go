package sanitize_test

import (
	"testing"

	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/sanitize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eapJvmArgs = `[-D[Standalone], -verbose:gc, -Xloggc:/opt/jboss-eap-7.4.0/standalone/log/gc.log,` +
	` -Djava.net.preferIPv4Stack=true, -Djboss.modules.system.pkgs=org.jboss.byteman,` +
	` -Djava.awt.headless=true,` +
	` -Dorg.jboss.boot.log.file=/opt/jboss-eap-7.4.0/standalone/log/server.log,` +
	` -Dsome.dumb.practice="Man I hope \" ' this = works",` +
	` -Dsome.broken.practice="Man I hope ' '{ this still = works",` +
	` -Dsome.nice.json="{"a":"b"}",` +
	` -Dsome.broken.json="{"a":"b"'{",`

const eapJvmArgsRedacted = `[-D[Standalone], -verbose:gc, -Xloggc:/opt/jboss-eap-7.4.0/standalone/log/gc.log,` +
	` -Djava.net.preferIPv4Stack=*****, -Djboss.modules.system.pkgs=*****,` +
	` -Djava.awt.headless=*****,` +
	` -Dorg.jboss.boot.log.file=*****,` +
	` -Dsome.dumb.practice=*****,` +
	` -Dsome.broken.practice=*****,` +
	` -Dsome.nice.json=*****,` +
	` -Dsome.broken.json=*****,`

func TestJavaParameters(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		input string

		want string
	}{
		"Empty string stays empty": {
			input: "",
			want:  "",
		},
		"No parameters are untouched": {
			input: "java -jar app.jar",
			want:  "java -jar app.jar",
		},
		"Single parameter is redacted": {
			input: "-Dpassword=hunter2",
			want:  "-Dpassword=*****",
		},
		"Parameter without value is untouched": {
			input: "-Dflag -Xmx1g",
			want:  "-Dflag -Xmx1g",
		},
		"Non -D parameters with equals are untouched": {
			input: "-XX:MaxRAM=1g --key=value",
			want:  "-XX:MaxRAM=1g --key=value",
		},
		"Only the first equals splits the key": {
			input: "-Da=b=c",
			want:  "-Da=*****",
		},
		"Trailing separator and closer are kept": {
			input: `-Dfoo=bar, -Dbaz="a b c"]`,
			want:  "-Dfoo=*****, -Dbaz=*****]",
		},
		"Quoted value after equals is one token": {
			input: `java -Dx='a b' -jar app.jar`,
			want:  "java -Dx=***** -jar app.jar",
		},
		"Escaped space does not split": {
			input: `-Dpath=/opt/my\ dir -v`,
			want:  "-Dpath=***** -v",
		},
		"Consecutive spaces are kept": {
			input: "a  -Db=c",
			want:  "a  -Db=*****",
		},
		"Equals at the end of a token does not open quoting in the next one": {
			input: `-Da= \"' -Dc=y'`,
			want:  `-Da=***** \"' -Dc=*****`,
		},
		"JSON style EAP argument list": {
			input: eapJvmArgs,
			want:  eapJvmArgsRedacted,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := sanitize.JavaParameters(tc.input)
			require.Equal(t, tc.want, got, "JavaParameters returned unexpected output")

			again := sanitize.JavaParameters(got)
			require.Equal(t, got, again, "JavaParameters should be idempotent")
		})
	}
}

func FuzzJavaParameters(f *testing.F) {
	for _, seed := range []string{
		"",
		"java -jar app.jar",
		"-Dpassword=hunter2",
		"-Dflag -Xmx1g",
		"-XX:MaxRAM=1g --key=value",
		"-Da=b=c",
		`-Dfoo=bar, -Dbaz="a b c"]`,
		`java -Dx='a b' -jar app.jar`,
		`-Dpath=/opt/my\ dir -v`,
		"a  -Db=c",
		`-Da= \"' -Dc=y'`,
		eapJvmArgs,
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, parameters string) {
		once := sanitize.JavaParameters(parameters)
		require.Equal(t, once, sanitize.JavaParameters(once), "JavaParameters should be idempotent")
	})
}

func TestJavaParametersDoubleSanitizeIsNoop(t *testing.T) {
	t.Parallel()

	assert.Equal(t, eapJvmArgsRedacted, sanitize.JavaParameters(eapJvmArgsRedacted))
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		input string

		want []string
	}{
		"Empty string is a single empty token": {
			input: "",
			want:  []string{""},
		},
		"Splits on spaces": {
			input: "a b c",
			want:  []string{"a", "b", "c"},
		},
		"Quote at token start groups words": {
			input: `"a b" c`,
			want:  []string{`"a b"`, "c"},
		},
		"Quote after equals groups words": {
			input: `-Dk="a b" c`,
			want:  []string{`-Dk="a b"`, "c"},
		},
		"Quote in the middle of a token does not group": {
			input: `it's a test`,
			want:  []string{"it's", "a", "test"},
		},
		"Quotes only close on the matching character": {
			input: `-Dk="it's here" x`,
			want:  []string{`-Dk="it's here"`, "x"},
		},
		"Escape keeps the backslash and the next character": {
			input: `a\ b c`,
			want:  []string{`a\ b`, "c"},
		},
		"Escaped quote does not open quoting": {
			input: `\"a b`,
			want:  []string{`\"a`, "b"},
		},
		"Equals does not carry over to the next token": {
			input: `a= \"'b c'`,
			want:  []string{"a=", `\"'b`, "c'"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := sanitize.Tokenize(tc.input)
			require.Equal(t, tc.want, got, "Tokenize returned unexpected tokens")
		})
	}
}
