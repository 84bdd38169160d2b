package static

import (
    "context"
    "testing"

    "github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
    cases := []struct {
        in   string
        want []string
    }{
        {"", nil},
        {"a:1", []string{"a:1"}},
        {" a:1 , b:2 ", []string{"a:1", "b:2"}},
        {",,a:1, ,b:2,", []string{"a:1", "b:2"}},
    }
    for _, c := range cases {
        assert.Equal(t, c.want, Parse(c.in), "input %q", c.in)
    }
}

func TestNew(t *testing.T) {
    d := New(9003, " a:1 ", "", "b", "a:1", "::1")
    got := d.Seeds(context.Background())
    assert.Equal(t, []string{"a:1", "b:9003", "[::1]:9003"}, got)

    got[0] = "x"
    assert.Equal(t, "a:1", d.Seeds(context.Background())[0], "Seeds must return a copy")
}
