// Command odrfit fits a polynomial model to a CSV table of (x, y) pairs by
// weighted orthogonal distance regression or ordinary least squares.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/odrfit/odrfit/odr"
	"github.com/odrfit/odrfit/odr/odrcsv"
)

func main() {
	// expect 2-4 positional arguments: csv path, polynomial degree,
	// optional mode (odr|ols), optional initial beta guess.
	if len(os.Args) < 3 {
		fmt.Println("Usage: odrfit <csv_path> <degree> [odr|ols] [beta0,beta1,...]")
		return
	}
	csvPath := os.Args[1]
	degree, err := strconv.Atoi(os.Args[2])
	if err != nil {
		panic("bad degree argument: " + os.Args[2])
	}
	mode := "odr"
	if len(os.Args) > 3 {
		mode = os.Args[3]
	}
	var betaArg string
	if len(os.Args) > 4 {
		betaArg = os.Args[4]
	}

	fmt.Println("Fitting polynomial degree", degree, "against", csvPath, "in", mode, "mode")

	table, err := odrcsv.Load(csvPath, 1, 1)
	if err != nil {
		panic(err)
	}
	fmt.Println("Loaded", len(table.X), "observations")

	beta0 := make([]float64, degree+1)
	for i := range beta0 {
		beta0[i] = 1
	}
	if betaArg != "" {
		parseFloatsInto(beta0, betaArg)
	}

	data := odr.Data{X: table.X, Y: table.Y}
	model := polyModel{deg: degree}

	opts := odr.DefaultOptions()
	opts.Job.Jacobian = odr.Analytic
	if strings.EqualFold(mode, "ols") {
		opts.Job.Mode = odr.ModeOLS
	} else {
		opts.Job.Mode = odr.ModeExplicitODR
	}
	opts.Report = odr.TextReporter{W: os.Stdout}.Report

	res, err := odr.Solve(data, model, beta0, opts)
	if err != nil {
		panic(err)
	}

	fmt.Printf("\nfinal beta: %v\n", res.Beta)
	fmt.Printf("weighted residual norm: %g\n", res.Rnorm)
	fmt.Printf("iterations: %d  function evals: %d  jacobian evals: %d\n", res.Niter, res.Nfev, res.Njev)
	if err := res.Err(); err != nil {
		fmt.Println("outcome:", err)
	} else {
		fmt.Println("converged")
	}
}

func parseFloatsInto(dst []float64, csv string) {
	parts := strings.Split(csv, ",")
	for i := 0; i < len(dst) && i < len(parts); i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			continue
		}
		dst[i] = v
	}
}
