package tenement

import "testing"

func TestTemplateInterpolation(t *testing.T) {
	v := templateVars{Name: "api", ID: "prod", DataDir: "/data/api/prod", Socket: "/tmp/api-prod.sock", Port: "8080"}

	got := v.interpolate("{name}:{id} at {socket} or {port} under {data_dir}")
	want := "api:prod at /tmp/api-prod.sock or 8080 under /data/api/prod"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInterpolateAll(t *testing.T) {
	v := templateVars{Name: "api", ID: "prod"}
	got := v.interpolateAll([]string{"--name={name}", "--id={id}"})
	want := []string{"--name=api", "--id=prod"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestInterpolateEnv(t *testing.T) {
	v := templateVars{Name: "api", ID: "prod", Port: "9000"}
	env := v.interpolateEnv(map[string]string{"LISTEN_PORT": "{port}"})
	if env["LISTEN_PORT"] != "9000" {
		t.Fatalf("got %+v", env)
	}
}
