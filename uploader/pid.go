package uploader

import "os"

func pid() int {
	return os.Getpid()
}
