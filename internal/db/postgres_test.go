package db

import "testing"

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "fields",
			cfg:  Config{Host: "localhost", Port: 5432, User: "burstnudge", Password: "secret", Database: "burstnudge", SSLMode: "disable"},
			want: "host=localhost port=5432 user=burstnudge password=secret dbname=burstnudge sslmode=disable",
		},
		{
			name: "no password",
			cfg:  Config{Host: "db", Port: 6432, User: "worker", Database: "nudges", SSLMode: "require"},
			want: "host=db port=6432 user=worker dbname=nudges sslmode=require",
		},
		{
			name: "url wins",
			cfg:  Config{URL: "postgres://u:p@db/x", Host: "ignored", Port: 1},
			want: "postgres://u:p@db/x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
