package mapper

import "math"

// forwardSoftmax recomputes m = softmaxRows(MRaw). Rows are shifted by
// their max before exponentiation, which keeps the result finite and
// strictly row-stochastic.
func (mp *Mapper) forwardSoftmax() {
	raw := mp.state.MRaw.RawMatrix()
	out := mp.m.RawMatrix()
	forEachChunk(mp.nCells, mp.device.Workers(), func(_, start, end int) {
		for i := start; i < end; i++ {
			src := raw.Data[i*raw.Stride : i*raw.Stride+mp.nSpots]
			dst := out.Data[i*out.Stride : i*out.Stride+mp.nSpots]
			maxv := src[0]
			for _, v := range src[1:] {
				if v > maxv {
					maxv = v
				}
			}
			var sum float64
			for j, v := range src {
				e := math.Exp(v - maxv)
				dst[j] = e
				sum += e
			}
			inv := 1 / sum
			for j := range dst {
				dst[j] *= inv
			}
		}
	})
}

// Step advances training by one epoch: forward pass, analytic
// gradients for every active objective term, one Adam update. The
// returned loss is evaluated at the pre-update parameters.
func (mp *Mapper) Step() Loss {
	loss := mp.computeGradients()
	mp.adamUpdate(mp.device.Workers())
	return loss
}

// computeGradients runs the forward pass and fills dRaw with the full
// objective gradient, leaving the training state untouched.
func (mp *Mapper) computeGradients() Loss {
	workers := mp.device.Workers()
	mp.forwardSoftmax()

	var loss Loss
	if mp.hyper.LambdaG1 != 0 || mp.hyper.LambdaG2 != 0 {
		mp.gHat.Mul(mp.m.T(), mp.s)
		mp.dGHat.Zero()
		loss.Gene = mp.geneTerm(workers)
		loss.Spot = mp.spotTerm(workers)
		mp.dM.Mul(mp.s, mp.dGHat.T())
	} else {
		mp.dM.Zero()
	}

	loss.Density = mp.densityTerm(workers)
	loss.Entropy = mp.backward(workers)

	loss.Total = loss.Gene + loss.Spot + loss.Density + loss.Entropy
	return loss
}

// geneTerm accumulates the gene-axis cosine loss over columns of gHat
// and G, writing gradient contributions into dGHat. A zero-norm column
// on either side scores the sentinel similarity 0 and contributes no
// gradient.
func (mp *Mapper) geneTerm(workers int) float64 {
	if mp.hyper.LambdaG1 == 0 {
		return 0
	}
	gh := mp.gHat.RawMatrix()
	gm := mp.g.RawMatrix()
	dg := mp.dGHat.RawMatrix()
	scale := mp.hyper.LambdaG1 / float64(mp.nGenes)
	slots := make([]float64, chunkCount(mp.nGenes))
	forEachChunk(mp.nGenes, workers, func(chunk, start, end int) {
		var acc float64
		for j := start; j < end; j++ {
			var dot, uu float64
			for s := 0; s < mp.nSpots; s++ {
				u := gh.Data[s*gh.Stride+j]
				v := gm.Data[s*gm.Stride+j]
				dot += u * v
				uu += u * u
			}
			nu := math.Sqrt(uu)
			nv := mp.gColNorm[j]
			if nu == 0 || nv == 0 {
				acc++
				continue
			}
			cos := dot / (nu * nv)
			a := scale * cos / uu
			b := scale / (nu * nv)
			for s := 0; s < mp.nSpots; s++ {
				u := gh.Data[s*gh.Stride+j]
				v := gm.Data[s*gm.Stride+j]
				dg.Data[s*dg.Stride+j] += a*u - b*v
			}
			acc += 1 - cos
		}
		slots[chunk] = acc
	})
	var sum float64
	for _, v := range slots {
		sum += v
	}
	return mp.hyper.LambdaG1 * sum / float64(mp.nGenes)
}

// spotTerm is the row-axis counterpart of geneTerm.
func (mp *Mapper) spotTerm(workers int) float64 {
	if mp.hyper.LambdaG2 == 0 {
		return 0
	}
	gh := mp.gHat.RawMatrix()
	gm := mp.g.RawMatrix()
	dg := mp.dGHat.RawMatrix()
	scale := mp.hyper.LambdaG2 / float64(mp.nSpots)
	slots := make([]float64, chunkCount(mp.nSpots))
	forEachChunk(mp.nSpots, workers, func(chunk, start, end int) {
		var acc float64
		for s := start; s < end; s++ {
			u := gh.Data[s*gh.Stride : s*gh.Stride+mp.nGenes]
			v := gm.Data[s*gm.Stride : s*gm.Stride+mp.nGenes]
			d := dg.Data[s*dg.Stride : s*dg.Stride+mp.nGenes]
			var dot, uu float64
			for j := range u {
				dot += u[j] * v[j]
				uu += u[j] * u[j]
			}
			nu := math.Sqrt(uu)
			nv := mp.gRowNorm[s]
			if nu == 0 || nv == 0 {
				acc++
				continue
			}
			cos := dot / (nu * nv)
			a := scale * cos / uu
			b := scale / (nu * nv)
			for j := range d {
				d[j] += a*u[j] - b*v[j]
			}
			acc += 1 - cos
		}
		slots[chunk] = acc
	})
	var sum float64
	for _, v := range slots {
		sum += v
	}
	return mp.hyper.LambdaG2 * sum / float64(mp.nSpots)
}

// densityTerm computes KL(pHat || density) over the predicted spot
// density pHat = colsum(m)/nCells and stages the per-column gradient
// contribution in colAdd. Probabilities are floored at probEps before
// the log so the term never produces NaN.
func (mp *Mapper) densityTerm(workers int) float64 {
	if mp.hyper.LambdaD == 0 {
		for s := range mp.colAdd {
			mp.colAdd[s] = 0
		}
		return 0
	}
	mrm := mp.m.RawMatrix()
	invCells := 1 / float64(mp.nCells)
	slots := make([]float64, chunkCount(mp.nSpots))
	forEachChunk(mp.nSpots, workers, func(chunk, start, end int) {
		var acc float64
		for s := start; s < end; s++ {
			var sum float64
			for c := 0; c < mp.nCells; c++ {
				sum += mrm.Data[c*mrm.Stride+s]
			}
			p := sum * invCells
			mp.pHat[s] = p
			pe := p
			if pe < probEps {
				pe = probEps
			}
			de := mp.density[s]
			if de < probEps {
				de = probEps
			}
			lg := math.Log(pe / de)
			acc += p * lg
			mp.colAdd[s] = mp.hyper.LambdaD * (lg + 1) * invCells
		}
		slots[chunk] = acc
	})
	var sum float64
	for _, v := range slots {
		sum += v
	}
	return mp.hyper.LambdaD * sum
}

// backward folds the staged density gradient and the entropy gradient
// into dM, then applies the softmax Jacobian row by row to produce
// dRaw. Returns the weighted entropy loss.
func (mp *Mapper) backward(workers int) float64 {
	mrm := mp.m.RawMatrix()
	dm := mp.dM.RawMatrix()
	dr := mp.dRaw.RawMatrix()
	lamR := mp.hyper.LambdaR
	slots := make([]float64, chunkCount(mp.nCells))
	forEachChunk(mp.nCells, workers, func(chunk, start, end int) {
		var ent float64
		for c := start; c < end; c++ {
			mRow := mrm.Data[c*mrm.Stride : c*mrm.Stride+mp.nSpots]
			dRow := dm.Data[c*dm.Stride : c*dm.Stride+mp.nSpots]
			oRow := dr.Data[c*dr.Stride : c*dr.Stride+mp.nSpots]
			for j, mv := range mRow {
				g := dRow[j] + mp.colAdd[j]
				// The m=0 limit of both the m*log(m) term and its
				// chained gradient is 0, so zero entries are skipped.
				if lamR != 0 && mv > 0 {
					lm := math.Log(mv)
					ent += mv * lm
					g += lamR * (lm + 1)
				}
				dRow[j] = g
			}
			var rowDot float64
			for j, mv := range mRow {
				rowDot += dRow[j] * mv
			}
			for j, mv := range mRow {
				oRow[j] = mv * (dRow[j] - rowDot)
			}
		}
		slots[chunk] = ent
	})
	var sum float64
	for _, v := range slots {
		sum += v
	}
	return lamR * sum
}

// adamUpdate applies one bias-corrected Adam step to MRaw using the
// gradient in dRaw.
func (mp *Mapper) adamUpdate(workers int) {
	mp.state.Opt.T++
	t := float64(mp.state.Opt.T)
	c1 := 1 - math.Pow(adamBeta1, t)
	c2 := 1 - math.Pow(adamBeta2, t)
	raw := mp.state.MRaw.RawMatrix()
	mo := mp.state.Opt.M.RawMatrix()
	vo := mp.state.Opt.V.RawMatrix()
	dr := mp.dRaw.RawMatrix()
	forEachChunk(mp.nCells, workers, func(_, start, end int) {
		for c := start; c < end; c++ {
			rawRow := raw.Data[c*raw.Stride : c*raw.Stride+mp.nSpots]
			gRow := dr.Data[c*dr.Stride : c*dr.Stride+mp.nSpots]
			mRow := mo.Data[c*mo.Stride : c*mo.Stride+mp.nSpots]
			vRow := vo.Data[c*vo.Stride : c*vo.Stride+mp.nSpots]
			for j, g := range gRow {
				mRow[j] = adamBeta1*mRow[j] + (1-adamBeta1)*g
				vRow[j] = adamBeta2*vRow[j] + (1-adamBeta2)*g*g
				rawRow[j] -= mp.lr * (mRow[j] / c1) / (math.Sqrt(vRow[j]/c2) + adamEps)
			}
		}
	})
}
